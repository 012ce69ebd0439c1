package webhook

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/storefront/webhooks/internal/pkg/metrics"
)

const failureHookTimeout = 5 * time.Second

// Task is a side effect that runs after the response path has moved on.
type Task struct {
	// Kind labels the side effect in metrics, e.g. "email".
	Kind string
	Name string
	Run  func(ctx context.Context) error
	// OnFailure runs after Run fails or panics, with its own short deadline.
	OnFailure func(ctx context.Context, err error)
}

// Detacher runs fire-and-forget tasks. Each task gets its own deadline,
// independent of the request that spawned it, and every failure is logged.
type Detacher struct {
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDetacher creates a Detacher whose tasks time out after timeout.
func NewDetacher(timeout time.Duration) *Detacher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Detacher{timeout: timeout}
}

// Go starts the task and returns immediately.
func (d *Detacher) Go(t Task) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		err := runTask(ctx, t)
		if err == nil {
			return
		}
		log.Errorf("[Detached] %s failed: %v", t.Name, err)
		metrics.SideEffectFailures.WithLabelValues(t.Kind).Inc()
		if t.OnFailure == nil {
			return
		}

		hookCtx, hookCancel := context.WithTimeout(context.Background(), failureHookTimeout)
		defer hookCancel()
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("[Detached] %s failure hook panicked: %v", t.Name, r)
				}
			}()
			t.OnFailure(hookCtx, err)
		}()
	}()
}

func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Detached] %s panicked: %v\n%s", t.Name, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}

// Wait blocks until all started tasks finished or ctx is done.
func (d *Detacher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
