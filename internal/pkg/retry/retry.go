package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/gofiber/fiber/v2/log"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 100 * time.Millisecond
)

// Class tells whether a failure is worth retrying.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "none"
	}
}

// MySQL server errors that go away on their own: lock wait timeout, deadlock,
// too many connections, server shutdown and lost connections.
var transientMySQLErrors = map[uint16]struct{}{
	1040: {},
	1053: {},
	1205: {},
	1213: {},
	2006: {},
	2013: {},
}

type classifiedError struct {
	err   error
	class Class
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as retriable regardless of its type.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient}
}

// Permanent marks err as not retriable regardless of its type.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassPermanent}
}

// Classify decides whether err is transient (connection loss, timeouts, lock
// contention) or permanent (constraint and validation errors, missing rows,
// anything unknown).
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return ClassTransient
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if _, ok := transientMySQLErrors[myErr.Number]; ok {
			return ClassTransient
		}
		return ClassPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassPermanent
}

// Policy bounds how often and how fast an operation is retried.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns three attempts with linear 100ms backoff.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p Policy) wait(ctx context.Context, attempt int) error {
	d := p.Backoff * time.Duration(attempt)
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result is the outcome of Do.
type Result struct {
	Err      error
	Attempts int
	Class    Class
}

// OK reports whether the operation eventually succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Retries returns the number of attempts after the first one.
func (r Result) Retries() int {
	if r.Attempts <= 1 {
		return 0
	}
	return r.Attempts - 1
}

// Do runs op until it succeeds, fails permanently or the attempt budget is
// spent. Every call is independent; op must be safe to apply more than once.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) Result {
	maxAttempts := p.attempts()
	var res Result

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		err := op(ctx)
		if err == nil {
			return Result{Attempts: attempt, Class: ClassNone}
		}
		res.Err = err
		res.Class = Classify(err)

		if res.Class == ClassPermanent {
			log.Warnf("[Retry] %s failed permanently (attempt %d/%d): %v", name, attempt, maxAttempts, err)
			return res
		}
		if attempt == maxAttempts {
			break
		}
		log.Warnf("[Retry] %s failed (attempt %d/%d), retrying: %v", name, attempt, maxAttempts, err)
		if werr := p.wait(ctx, attempt); werr != nil {
			log.Warnf("[Retry] %s giving up: %v", name, werr)
			return res
		}
	}

	log.Errorf("[Retry] %s exhausted %d attempts: %v", name, res.Attempts, res.Err)
	return res
}
