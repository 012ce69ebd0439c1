package env

import (
	"os"

	"github.com/joho/godotenv"
)

var Env map[string]string

func GetEnv(key, def string) string {
	// First check our loaded Env map
	if val, ok := Env[key]; ok {
		return val
	}
	// Fallback to OS environment variables (for Docker/tests)
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// SetupEnvFile loads the first .env file found and reports its path. A missing
// file is not an error: containers usually configure through the environment.
func SetupEnvFile() (string, bool) {
	envFiles := []string{
		".env",          // Current directory
		"../../.env",    // From cmd/webhooks to project root
		"../../../.env", // Fallback for deeper nesting
	}

	for _, envFile := range envFiles {
		loaded, err := godotenv.Read(envFile)
		if err == nil {
			Env = loaded
			return envFile, true
		}
	}
	return "", false
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
