package progress

import (
	"context"
	"testing"

	"project-tachyon/internal/cancel"
)

func TestReportThrottlesSteadyUpdates(t *testing.T) {
	var updates []Update
	r := New("item1", 1000, func(u Update) { updates = append(updates, u) }, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r.Report(ctx, int64(i*10), PhaseDownloading)
	}
	if len(updates) != 1 {
		t.Errorf("expected only the first sample to pass the throttle, got %d updates", len(updates))
	}
}

func TestReportAlwaysEmitsPhaseTransitions(t *testing.T) {
	var updates []Update
	r := New("item1", 1000, func(u Update) { updates = append(updates, u) }, nil)

	ctx := context.Background()
	r.Report(ctx, 0, PhaseConnecting)
	r.Report(ctx, 0, PhaseDownloading)
	r.Report(ctx, 500, PhaseProcessing)
	r.Report(ctx, 1000, PhaseCompleted)

	if len(updates) != 4 {
		t.Errorf("expected 4 phase-transition updates, got %d", len(updates))
	}
	last := updates[len(updates)-1]
	if last.ProgressRatio != 1 {
		t.Errorf("expected completed ratio 1, got %f", last.ProgressRatio)
	}
}

func TestReportChecksCancelToken(t *testing.T) {
	tok := cancel.New()
	tok.Cancel()

	r := New("item1", 1000, func(Update) {}, tok)
	if err := r.Report(context.Background(), 0, PhaseDownloading); err != cancel.ErrCancelled {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestReportClampsRatioAtOne(t *testing.T) {
	var last Update
	r := New("item1", 1000, func(u Update) { last = u }, nil)
	r.Report(context.Background(), 5000, PhaseCompleted)
	if last.ProgressRatio != 1 {
		t.Errorf("expected ratio clamped to 1, got %f", last.ProgressRatio)
	}
}
