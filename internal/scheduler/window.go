package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// WindowConfig is a daily active-hours window: downloads resume at
// StartHour and are paused again at StopHour (both 0-23, local time).
// Grounded on the teacher's core/scheduler.go ScheduleConfig, which used
// the same two-cron-entry shape but never finished wiring ResumeAll/
// PauseAll into the jobs it registered.
type WindowConfig struct {
	Enabled   bool
	StartHour int
	StopHour  int

	// VacuumRetention is how long a terminal-state history entry is kept
	// before the daily maintenance sweep prunes it via
	// storage.Storage.Vacuum. Zero disables the sweep.
	VacuumRetention time.Duration
}

// Window wraps a robfig/cron scheduler that flips the Scheduler between
// paused and active on a daily cycle, for a "quiet hours" policy layered
// on top of per-item scheduled_at (spec.md section 4.7's
// update_scheduled_items, which this does not replace).
type Window struct {
	sched  *Scheduler
	logger *slog.Logger
	cron   *cron.Cron

	mu          sync.Mutex
	cfg         WindowConfig
	startEntry  cron.EntryID
	stopEntry   cron.EntryID
	vacuumEntry cron.EntryID
}

// NewWindow builds a Window bound to sched. The cron loop does not run
// until Start is called.
func NewWindow(sched *Scheduler, logger *slog.Logger) *Window {
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{sched: sched, logger: logger, cron: cron.New()}
}

// Start launches the underlying cron loop.
func (w *Window) Start() {
	w.cron.Start()
}

// Stop halts the cron loop. It does not itself pause or resume downloads.
func (w *Window) Stop() {
	w.cron.Stop()
}

// SetSchedule replaces the active window and the vacuum sweep, removing
// any previously registered entries first so repeated calls (e.g. from a
// config reload) never stack duplicate jobs.
func (w *Window) SetSchedule(cfg WindowConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.startEntry != 0 {
		w.cron.Remove(w.startEntry)
		w.startEntry = 0
	}
	if w.stopEntry != 0 {
		w.cron.Remove(w.stopEntry)
		w.stopEntry = 0
	}
	if w.vacuumEntry != 0 {
		w.cron.Remove(w.vacuumEntry)
		w.vacuumEntry = 0
	}
	w.cfg = cfg

	if cfg.VacuumRetention > 0 {
		vacuumID, err := w.cron.AddFunc(vacuumSpec, func() {
			if err := w.sched.core.History.Vacuum(cfg.VacuumRetention); err != nil {
				w.logger.Warn("scheduler: history vacuum failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("scheduler: schedule vacuum sweep: %w", err)
		}
		w.vacuumEntry = vacuumID
	}

	if !cfg.Enabled {
		return nil
	}
	if cfg.StartHour < 0 || cfg.StartHour > 23 || cfg.StopHour < 0 || cfg.StopHour > 23 {
		return fmt.Errorf("scheduler: window hours must be 0-23, got start=%d stop=%d", cfg.StartHour, cfg.StopHour)
	}

	startID, err := w.cron.AddFunc(hourlySpec(cfg.StartHour), func() {
		w.logger.Info("scheduler: window resuming downloads", "hour", cfg.StartHour)
		w.sched.ResumeAll()
	})
	if err != nil {
		return fmt.Errorf("scheduler: schedule start window: %w", err)
	}
	w.startEntry = startID

	stopID, err := w.cron.AddFunc(hourlySpec(cfg.StopHour), func() {
		w.logger.Info("scheduler: window pausing downloads", "hour", cfg.StopHour)
		w.sched.PauseAll(time.Time{})
	})
	if err != nil {
		w.cron.Remove(startID)
		w.startEntry = 0
		return fmt.Errorf("scheduler: schedule stop window: %w", err)
	}
	w.stopEntry = stopID

	return nil
}

func hourlySpec(hour int) string {
	return fmt.Sprintf("0 %d * * *", hour)
}

// vacuumSpec runs the history maintenance sweep once a day at 03:00 local
// time, matching the teacher's core/scheduler.go daily-cadence jobs.
const vacuumSpec = "0 3 * * *"
