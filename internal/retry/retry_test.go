package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	shutdown := NewShutdown()
	b := NewBackoff(time.Millisecond, 1.5, 10*time.Millisecond, 0)

	attempts := 0
	got, err := Do(context.Background(), b, shutdown, func(context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDo_PermanentErrorShortCircuits(t *testing.T) {
	shutdown := NewShutdown()
	b := NewBackoff(time.Millisecond, 1.5, 10*time.Millisecond, 0)

	attempts := 0
	sentinel := errors.New("auth failed")
	_, err := Do(context.Background(), b, shutdown, func(context.Context) (int, error) {
		attempts++
		return 0, &Permanent{Err: sentinel}
	})
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on permanent error)", attempts)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want wrapping %v", err, sentinel)
	}
}

func TestDo_ShutdownShortCircuits(t *testing.T) {
	shutdown := NewShutdown()
	b := NewBackoff(time.Hour, 1.5, time.Hour, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := Do(context.Background(), b, shutdown, func(context.Context) (int, error) {
			return 0, errors.New("transient")
		})
		if !errors.Is(err, ErrShutdown) {
			t.Errorf("err = %v, want ErrShutdown", err)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	shutdown.Fire()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Do did not return after shutdown fired")
	}
}

func TestDo_MaxElapsedTimeGivesUp(t *testing.T) {
	shutdown := NewShutdown()
	b := NewBackoff(5*time.Millisecond, 1.0, 5*time.Millisecond, 20*time.Millisecond)

	attempts := 0
	_, err := Do(context.Background(), b, shutdown, func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected eventual error once max elapsed time passes")
	}
	if attempts < 2 {
		t.Fatalf("attempts = %d, want at least 2 before giving up", attempts)
	}
}
