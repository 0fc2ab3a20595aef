package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-fulfillment"
)

func TestScheduleAfterCompletesAndReportsStatus(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAfter(30*time.Millisecond, fulfillment.HandlerConfig{}, func() {
		count.Add(1)
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}

	if got := count.Load(); got != 1 {
		t.Fatalf("expected one execution, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCompleted {
		t.Fatalf("expected completed status, got %s", status)
	}
	if scheduler.Pending() != 0 {
		t.Fatalf("expected completed handle to be released")
	}
}

func TestScheduleAtCancelPreventsExecution(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAt(time.Now().Add(200*time.Millisecond), fulfillment.HandlerConfig{}, func() {
		count.Add(1)
	})
	if err != nil {
		t.Fatalf("schedule at: %v", err)
	}
	handle.Cancel()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected canceled handle to close done channel")
	}

	time.Sleep(250 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Fatalf("expected zero executions after cancel, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestScheduleAtKeyReplacesPendingTimer(t *testing.T) {
	scheduler := NewScheduler()
	var first, second atomic.Int32

	h1, err := scheduler.ScheduleAtKey("wake:order-1", time.Now().Add(time.Hour), fulfillment.HandlerConfig{}, func() {
		first.Add(1)
	})
	if err != nil {
		t.Fatalf("schedule first: %v", err)
	}
	h2, err := scheduler.ScheduleAtKey("wake:order-1", time.Now().Add(20*time.Millisecond), fulfillment.HandlerConfig{}, func(context.Context) error {
		second.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule second: %v", err)
	}

	select {
	case <-h2.Done():
	case <-time.After(time.Second):
		t.Fatal("expected replacement timer to fire")
	}
	if h1.Status() != ScheduleStatusCanceled {
		t.Fatalf("expected first timer canceled, got %s", h1.Status())
	}
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("unexpected executions first=%d second=%d", first.Load(), second.Load())
	}
	if h2.Key() != "wake:order-1" {
		t.Fatalf("expected key on handle")
	}
}

func TestScheduleAtFailureReportsError(t *testing.T) {
	var reported atomic.Int32
	scheduler := NewScheduler(WithErrorHandler(func(error) { reported.Add(1) }))

	handle, err := scheduler.ScheduleAfter(0, fulfillment.HandlerConfig{}, func() error {
		return errors.New("drain failed")
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	<-handle.Done()
	if handle.Status() != ScheduleStatusFailed || handle.Err() == nil {
		t.Fatalf("expected failed status with error, got %s %v", handle.Status(), handle.Err())
	}
	if reported.Load() == 0 {
		t.Fatalf("expected error handler to be called")
	}
}

func TestScheduleAtRecoversPanics(t *testing.T) {
	scheduler := NewScheduler(WithErrorHandler(func(error) {}))
	handle, err := scheduler.ScheduleAfter(0, fulfillment.HandlerConfig{}, func() {
		panic("timer exploded")
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	<-handle.Done()
	if fulfillment.Classify(handle.Err()) != fulfillment.KindFatal {
		t.Fatalf("expected panic to surface as fatal error, got %v", handle.Err())
	}
}

func TestScheduleCronCommandFunc(t *testing.T) {
	scheduler := NewScheduler(WithParser(SecondsParser))
	var count atomic.Int32

	handle, err := scheduler.ScheduleCron(fulfillment.HandlerConfig{Expression: "@every 1s"},
		fulfillment.CommandFunc[time.Time](func(_ context.Context, _ time.Time) error {
			count.Add(1)
			return nil
		}))
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}
	_ = scheduler.Start(context.Background())
	defer scheduler.Stop(context.Background())

	deadline := time.After(3 * time.Second)
	for count.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected cron job to run")
		case <-time.After(50 * time.Millisecond):
		}
	}
	handle.Cancel()
	if handle.Status() != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", handle.Status())
	}
}

func TestSchedulerStopMarksHandleStopped(t *testing.T) {
	scheduler := NewScheduler()
	handle, err := scheduler.ScheduleAfter(time.Hour, fulfillment.HandlerConfig{}, func() {})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := scheduler.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if handle.Status() != ScheduleStatusStopped {
		t.Fatalf("expected stopped status, got %s", handle.Status())
	}
}

func TestScheduleValidation(t *testing.T) {
	scheduler := NewScheduler()
	if _, err := scheduler.ScheduleCron(fulfillment.HandlerConfig{}, func() {}); err == nil {
		t.Fatalf("expected empty expression to fail")
	}
	if _, err := scheduler.ScheduleAfter(time.Second, fulfillment.HandlerConfig{}, 42); err == nil {
		t.Fatalf("expected unsupported handler to fail")
	}
}
