package cancel

import (
	"context"
	"testing"
	"time"
)

func TestCheckPassesWhenFresh(t *testing.T) {
	tok := New()
	if err := tok.Check(context.Background()); err != nil {
		t.Errorf("expected nil error for fresh token, got %v", err)
	}
}

func TestCancelStopsCheck(t *testing.T) {
	tok := New()
	tok.Cancel()
	if err := tok.Check(context.Background()); err != ErrCancelled {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if !tok.IsCancelled() {
		t.Error("expected IsCancelled to be true")
	}
}

func TestPauseBlocksUntilResume(t *testing.T) {
	tok := New()
	tok.Pause(time.Time{})

	done := make(chan error, 1)
	go func() { done <- tok.Check(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Check returned while still paused")
	case <-time.After(100 * time.Millisecond):
	}

	tok.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error after resume, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Check did not return after resume")
	}
}

func TestPauseDeadlineExpires(t *testing.T) {
	tok := New()
	tok.Pause(time.Now().Add(20 * time.Millisecond))

	err := tok.Check(context.Background())
	if err != nil {
		t.Errorf("expected nil error (deadline timeout behaves as resume), got %v", err)
	}
	if tok.IsPaused() {
		t.Error("expected paused flag cleared after timeout")
	}
}

func TestCancelOverridesPause(t *testing.T) {
	tok := New()
	tok.Pause(time.Time{})
	tok.Cancel()

	err := tok.Check(context.Background())
	if err != ErrCancelled {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestContextDoneStopsCheck(t *testing.T) {
	tok := New()
	tok.Pause(time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tok.Check(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Check did not return after context cancel")
	}
}
