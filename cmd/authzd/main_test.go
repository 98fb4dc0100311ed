package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAwaitShutdownReturnsServeError(t *testing.T) {
	errCh := make(chan error, 1)
	boom := errors.New("http: address already in use")
	errCh <- boom

	stopped := false
	err := awaitShutdown(context.Background(), errCh, time.Second, func(context.Context) { stopped = true })
	if !errors.Is(err, boom) {
		t.Fatalf("expected serve error, got %v", err)
	}
	if !stopped {
		t.Fatal("stop was not called")
	}
}

func TestAwaitShutdownOnSignalIsClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var deadline time.Time
	err := awaitShutdown(ctx, make(chan error), time.Second, func(shutdownCtx context.Context) {
		deadline, _ = shutdownCtx.Deadline()
	})
	if err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	if deadline.IsZero() {
		t.Fatal("stop should run under a deadline")
	}
}
