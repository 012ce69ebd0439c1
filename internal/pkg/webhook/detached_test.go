package webhook

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetacher_RunsAndWaits(t *testing.T) {
	d := NewDetacher(time.Second)
	var ran atomic.Int32

	for i := 0; i < 5; i++ {
		d.Go(Task{Kind: "test", Name: "count", Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, int32(5), ran.Load())
}

func TestDetacher_OnFailureGetsError(t *testing.T) {
	d := NewDetacher(time.Second)
	got := make(chan error, 1)

	d.Go(Task{
		Kind: "test",
		Name: "fails",
		Run:  func(ctx context.Context) error { return errors.New("smtp down") },
		OnFailure: func(ctx context.Context, err error) {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			got <- err
		},
	})

	select {
	case err := <-got:
		assert.EqualError(t, err, "smtp down")
	case <-time.After(time.Second):
		t.Fatal("failure hook did not run")
	}
}

func TestDetacher_PanicIsRecovered(t *testing.T) {
	d := NewDetacher(time.Second)
	got := make(chan error, 1)

	d.Go(Task{
		Kind:      "test",
		Name:      "panics",
		Run:       func(ctx context.Context) error { panic("nil order") },
		OnFailure: func(ctx context.Context, err error) { got <- err },
	})

	select {
	case err := <-got:
		assert.Contains(t, err.Error(), "nil order")
	case <-time.After(time.Second):
		t.Fatal("failure hook did not run")
	}
}

func TestDetacher_TaskDeadlineIsIndependent(t *testing.T) {
	d := NewDetacher(50 * time.Millisecond)
	got := make(chan error, 1)

	d.Go(Task{
		Kind: "test",
		Name: "slow",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnFailure: func(ctx context.Context, err error) { got <- err },
	})

	select {
	case err := <-got:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task was not cut off")
	}
}

func TestDetacher_WaitHonoursContext(t *testing.T) {
	d := NewDetacher(time.Second)
	release := make(chan struct{})
	defer close(release)

	d.Go(Task{Kind: "test", Name: "blocked", Run: func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
}
