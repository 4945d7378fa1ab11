package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openlumo/lumo-proxy/internal/metrics"
)

func TestSubmitRunsTask(t *testing.T) {
	q := New(4, metrics.New())
	defer q.Close()

	ran := false
	err := q.Submit(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !ran {
		t.Error("task did not run")
	}
}

func TestSubmitPropagatesTaskError(t *testing.T) {
	q := New(4, metrics.New())
	defer q.Close()

	boom := errors.New("boom")
	err := q.Submit(context.Background(), func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestTasksRunOneAtATime(t *testing.T) {
	q := New(8, metrics.New())
	defer q.Close()

	var mu sync.Mutex
	running := 0
	maxRunning := 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("max concurrent tasks = %d, want 1", maxRunning)
	}
}

func TestQueuedTaskSkippedOnCancel(t *testing.T) {
	q := New(8, metrics.New())
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})

	// Occupy the worker.
	go func() {
		_ = q.Submit(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Queue a second task, then cancel it before it starts.
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.Submit(ctx, func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	close(release)
	time.Sleep(20 * time.Millisecond)
	select {
	case <-ran:
		t.Error("cancelled task ran anyway")
	default:
	}
}

// A caller that cancels while queued frees its slot right away; the
// next submission must be accepted even though the worker is still
// busy with the first task.
func TestCancelledSubmissionFreesSlotImmediately(t *testing.T) {
	q := New(1, metrics.New())
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Submit(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Fill the single waiting slot, then abandon it.
	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		abandoned <- q.Submit(ctx, func(ctx context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-abandoned; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The slot is free again while the first task still runs.
	accepted := make(chan error, 1)
	go func() {
		accepted <- q.Submit(context.Background(), func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-accepted:
		t.Fatalf("second submission settled early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-accepted; err != nil {
		t.Errorf("second submission failed: %v", err)
	}
}

func TestSubmitFailsFastWhenFull(t *testing.T) {
	q := New(1, metrics.New())
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Submit(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Fill the single waiting slot.
	go func() {
		_ = q.Submit(context.Background(), func(ctx context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	err := q.Submit(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	close(release)
}
