package taskqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueue(t *testing.T) {
	t.Run("FIFO", func(t *testing.T) {
		q := New(t.Context(), discard())
		var mu sync.Mutex
		var got []int
		for i := range 50 {
			q.Enqueue("append", func(context.Context) error {
				// Later tasks are faster; ordering must still hold.
				time.Sleep(time.Duration(50-i) * 10 * time.Microsecond)
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
				return nil
			})
		}
		if q.WaitForDrain(5 * time.Second) {
			t.Fatal("timed out")
		}
		want := make([]int, 50)
		for i := range want {
			want[i] = i
		}
		if !slices.Equal(got, want) {
			t.Errorf("got %v", got)
		}
		if n := q.Len(); n != 0 {
			t.Errorf("Len() = %d", n)
		}
	})
	t.Run("SingleLane", func(t *testing.T) {
		q := New(t.Context(), discard())
		var active, peak atomic.Int32
		for range 20 {
			q.Enqueue("work", func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				active.Add(-1)
				return nil
			})
		}
		if q.WaitForDrain(5 * time.Second) {
			t.Fatal("timed out")
		}
		if p := peak.Load(); p != 1 {
			t.Errorf("peak concurrency = %d, want 1", p)
		}
	})
	t.Run("Isolation", func(t *testing.T) {
		q := New(t.Context(), discard())
		var ran []string
		var mu sync.Mutex
		mark := func(s string) {
			mu.Lock()
			ran = append(ran, s)
			mu.Unlock()
		}
		q.Enqueue("fails", func(context.Context) error {
			mark("fails")
			return errors.New("boom")
		})
		q.Enqueue("panics", func(context.Context) error {
			mark("panics")
			panic("kaboom")
		})
		q.Enqueue("ok", func(context.Context) error {
			mark("ok")
			return nil
		})
		if q.WaitForDrain(5 * time.Second) {
			t.Fatal("timed out")
		}
		if want := []string{"fails", "panics", "ok"}; !slices.Equal(ran, want) {
			t.Errorf("ran %v, want %v", ran, want)
		}
	})
	t.Run("EnqueueDoesNotBlock", func(t *testing.T) {
		q := New(t.Context(), discard())
		release := make(chan struct{})
		q.Enqueue("blocked", func(context.Context) error {
			<-release
			return nil
		})
		done := make(chan struct{})
		go func() {
			q.Enqueue("second", func(context.Context) error { return nil })
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Enqueue blocked on a running task")
		}
		if n := q.Len(); n != 2 {
			t.Errorf("Len() = %d, want 2", n)
		}
		if p := q.Pending(); len(p) != 2 || p[0].Description != "blocked" {
			t.Errorf("Pending() = %+v", p)
		}
		close(release)
		if q.WaitForDrain(5 * time.Second) {
			t.Fatal("timed out")
		}
	})
	t.Run("Timeout", func(t *testing.T) {
		q := New(t.Context(), discard())
		release := make(chan struct{})
		q.Enqueue("slow", func(context.Context) error {
			<-release
			return nil
		})
		if !q.WaitForDrain(20 * time.Millisecond) {
			t.Error("expected timeout")
		}
		// The head task stays queued until it settles.
		if n := q.Len(); n != 1 {
			t.Errorf("Len() = %d, want 1", n)
		}
		close(release)
		if q.WaitForDrain(5 * time.Second) {
			t.Fatal("timed out after release")
		}
	})
	t.Run("IdleDrain", func(t *testing.T) {
		q := New(t.Context(), discard())
		if q.WaitForDrain(time.Millisecond) {
			t.Error("empty queue reported timeout")
		}
	})
	t.Run("DetachedContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		q := New(ctx, discard())
		release := make(chan struct{})
		var sawErr error
		q.Enqueue("block", func(context.Context) error {
			<-release
			return nil
		})
		q.Enqueue("check", func(ctx context.Context) error {
			sawErr = ctx.Err()
			return nil
		})
		cancel()
		close(release)
		if q.WaitForDrain(5 * time.Second) {
			t.Fatal("timed out")
		}
		if sawErr != nil {
			t.Errorf("action context err = %v", sawErr)
		}
	})
	t.Run("Restart", func(t *testing.T) {
		q := New(t.Context(), discard())
		var n atomic.Int32
		for range 3 {
			q.Enqueue("inc", func(context.Context) error {
				n.Add(1)
				return nil
			})
			if q.WaitForDrain(5 * time.Second) {
				t.Fatal("timed out")
			}
		}
		if got := n.Load(); got != 3 {
			t.Errorf("ran %d tasks, want 3", got)
		}
	})
}
