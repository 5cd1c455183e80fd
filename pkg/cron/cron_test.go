package cron

import (
	"context"
	"testing"
	"time"
)

func TestNewRejectsInvalidExpression(t *testing.T) {
	if _, err := New("purge", "every now and then", func(context.Context) {}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestNextTick(t *testing.T) {
	r, err := New("purge", "0 */6 * * *", func(context.Context) {})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	from := time.Date(2026, 5, 1, 7, 30, 0, 0, time.UTC)
	next, err := r.Next(from)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}

func TestTryRunRefusesOverlap(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r, err := New("purge", "* * * * *", func(context.Context) {
		close(started)
		<-release
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	done := make(chan bool)
	go func() { done <- r.TryRun(context.Background()) }()
	<-started

	if r.TryRun(context.Background()) {
		t.Fatal("second run should be refused while the first is in progress")
	}
	close(release)
	if !<-done {
		t.Fatal("first run should have run")
	}
	if r.Runs() != 1 {
		t.Fatalf("runs = %d, want 1", r.Runs())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r, err := New("purge", "0 0 1 1 *", func(context.Context) {})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(stopped)
	}()
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunWaitsForInFlightJob(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r, err := New("purge", "* * * * *", func(context.Context) {
		close(started)
		<-release
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// The first tick lands in the past so it fires at once.
	calls := 0
	r.now = func() time.Time {
		calls++
		if calls == 1 {
			return time.Now().Add(-2 * time.Minute)
		}
		return time.Now()
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(stopped)
	}()
	<-started
	cancel()

	select {
	case <-stopped:
		t.Fatal("Run returned while the job was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the job finished")
	}
}
