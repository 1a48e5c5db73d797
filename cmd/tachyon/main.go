// Command tachyon is the headless download-orchestration daemon: it
// wires storage, the queue, the scheduler, and the loopback control API
// together and runs until signalled to stop. It replaces the teacher's
// Wails desktop shell (app.go/main.go/internal/app) as the front door —
// spec.md section 1 places the UI layer out of scope, so this binary
// exposes the same orchestration core purely over HTTP.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"project-tachyon/internal/analytics"
	"project-tachyon/internal/api"
	"project-tachyon/internal/config"
	"project-tachyon/internal/downloadcore"
	"project-tachyon/internal/enginereg"
	"project-tachyon/internal/extract"
	"project-tachyon/internal/filesystem"
	"project-tachyon/internal/logger"
	"project-tachyon/internal/network"
	"project-tachyon/internal/queue"
	"project-tachyon/internal/scheduler"
	"project-tachyon/internal/security"
	"project-tachyon/internal/storage"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tachyon",
		Short: "Tachyon download orchestration daemon",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newCalibrateCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newAddCmd())
	return root
}

// coreStack is every collaborator the scheduler and control API share,
// assembled once at startup — the generalized replacement for the
// teacher's package-level singletons (spec.md section 9: "Singletons and
// global state").
type coreStack struct {
	storage   *storage.Storage
	cfg       *config.ConfigManager
	logger    *slog.Logger
	bus       *logger.BusHandler
	audit     *security.AuditLogger
	queue     *queue.Manager
	core      *downloadcore.Core
	scheduler *scheduler.Scheduler
	window    *scheduler.Window
	api       *api.ControlServer
}

func buildCoreStack() (*coreStack, error) {
	db, err := storage.NewStorage()
	if err != nil {
		return nil, fmt.Errorf("tachyon: open storage: %w", err)
	}

	cfg := config.NewConfigManager(db)

	log, bus, err := logger.New(os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("tachyon: init logger: %w", err)
	}
	slog.SetDefault(log)

	audit := security.NewAuditLogger(log)

	q := queue.New(cfg.GetQueueSizeLimit())

	extractors := extract.NewRegistry(extract.NewGenericHandler(nil))
	genericEngine := enginereg.NewGenericEngine(nil)
	bandwidth := network.NewBandwidthManager()
	bandwidth.SetLimit(cfg.GetRateLimitBytesPerSec())
	genericEngine.Global = bandwidth
	engines := enginereg.NewRegistry(genericEngine)

	dcore := downloadcore.New(q, extractors, engines, db, log)
	dcore.Scanner = security.NewScanner(log)
	dcore.PauseTimeout = time.Duration(cfg.GetPauseTimeoutSecs()) * time.Second

	downloadPathFn := filesystem.GetDefaultDownloadPath
	if dir := cfg.GetDefaultOutputDir(); dir != "" {
		downloadPathFn = func() (string, error) { return dir, nil }
	}
	dcore.Stats = analytics.NewStatsManager(db, downloadPathFn)

	sched := scheduler.New(q, dcore, log, cfg.GetMaxConcurrentDownloads())
	sched.SetCongestionController(network.NewCongestionController(1, cfg.GetMaxConcurrentDownloads()))

	window := scheduler.NewWindow(sched, log)
	if err := window.SetSchedule(scheduler.WindowConfig{
		Enabled:         cfg.GetWindowEnabled(),
		StartHour:       cfg.GetWindowStartHour(),
		StopHour:        cfg.GetWindowStopHour(),
		VacuumRetention: time.Duration(cfg.GetHistoryRetentionDays()) * 24 * time.Hour,
	}); err != nil {
		return nil, fmt.Errorf("tachyon: configure window: %w", err)
	}

	ctrl := api.NewControlServer(q, sched, cfg, audit, bus, db)

	return &coreStack{
		storage:   db,
		cfg:       cfg,
		logger:    log,
		bus:       bus,
		audit:     audit,
		queue:     q,
		core:      dcore,
		scheduler: sched,
		window:    window,
		api:       ctrl,
	}, nil
}

func newServeCmd() *cobra.Command {
	var port int
	var shutdownGrace time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop and the loopback control API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := buildCoreStack()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stack.scheduler.Start(ctx)
			stack.window.Start()
			stack.api.Start(port)

			stack.logger.Info("tachyon: serving", "port", port, "max_concurrent", stack.cfg.GetMaxConcurrentDownloads())

			<-ctx.Done()
			stack.logger.Info("tachyon: shutting down", "grace", shutdownGrace)
			stack.window.Stop()
			stack.scheduler.Shutdown(shutdownGrace)
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 4444, "loopback port for the control API")
	cmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 30*time.Second, "grace period for in-flight downloads to unwind on shutdown")
	return cmd
}

func newCalibrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate",
		Short: "Run a one-shot bandwidth probe and save the result as the default rate limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storage.NewStorage()
			if err != nil {
				return err
			}
			cfg := config.NewConfigManager(db)

			result, err := network.CalibrateWithEvents(func(phase network.SpeedTestPhase) {
				fmt.Fprintf(cmd.OutOrStdout(), "calibrate: %s\n", phase.Phase)
			})
			if err != nil {
				return fmt.Errorf("tachyon: calibrate: %w", err)
			}

			if err := db.RecordSpeedTest(storage.SpeedTestHistory{
				DownloadSpeed:  result.Raw.DownloadSpeed,
				UploadSpeed:    result.Raw.UploadSpeed,
				Ping:           result.Raw.Ping,
				Jitter:         result.Raw.Jitter,
				ISP:            result.Raw.ISP,
				ServerName:     result.Raw.ServerName,
				ServerLocation: result.Raw.ServerLocation,
				Timestamp:      result.Raw.Timestamp,
			}); err != nil {
				return fmt.Errorf("tachyon: record speed test history: %w", err)
			}

			// Leave headroom below the raw measured throughput so a
			// calibrated limit doesn't saturate the link for other
			// traffic on the same connection.
			suggested := result.DownloadBytesPerSec * 9 / 10
			if err := cfg.SetRateLimitBytesPerSec(suggested); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "measured %.2f Mbps down, %.2f Mbps up; default rate limit set to %d bytes/sec\n",
				result.Raw.DownloadSpeed, result.Raw.UploadSpeed, suggested)
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print lifetime download totals and disk usage for the configured output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storage.NewStorage()
			if err != nil {
				return err
			}
			cfg := config.NewConfigManager(db)

			downloadPathFn := filesystem.GetDefaultDownloadPath
			if dir := cfg.GetDefaultOutputDir(); dir != "" {
				downloadPathFn = func() (string, error) { return dir, nil }
			}

			sm := analytics.NewStatsManager(db, downloadPathFn)
			data := sm.GetSnapshot()

			fmt.Fprintf(cmd.OutOrStdout(), "lifetime bytes: %d\n", data.TotalDownloaded)
			fmt.Fprintf(cmd.OutOrStdout(), "files completed: %d\n", data.TotalFiles)
			fmt.Fprintf(cmd.OutOrStdout(), "current speed: %d bytes/sec\n", sm.GetCurrentSpeed())
			fmt.Fprintf(cmd.OutOrStdout(), "disk free: %.2f / %.2f GB\n", data.DiskUsage.FreeGB, data.DiskUsage.TotalGB)
			return nil
		},
	}
}

// newAddCmd is a thin client over the loopback control API (spec.md
// section 6's queue.add), matching the API token the running `serve`
// process reads out of the same config store.
func newAddCmd() *cobra.Command {
	var port int
	var outputDir, filename string

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Enqueue a URL on a running tachyon serve instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storage.NewStorage()
			if err != nil {
				return err
			}
			cfg := config.NewConfigManager(db)
			if port == 0 {
				port = cfg.GetAIPort()
			}

			body, err := json.Marshal(api.EnqueueRequest{
				URL:       args[0],
				OutputDir: outputDir,
				Filename:  filename,
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://127.0.0.1:%d/v1/queue", port), bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Tachyon-Token", cfg.GetAIToken())

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("tachyon: is `tachyon serve` running? %w", err)
			}
			defer resp.Body.Close()

			respBody, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("tachyon: enqueue failed (%d): %s", resp.StatusCode, respBody)
			}

			var out api.EnqueueResponse
			if err := json.Unmarshal(respBody, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s\n", out.TaskID)
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "control API port (defaults to the configured ai_port)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "output directory (defaults to the server's configured default)")
	cmd.Flags().StringVar(&filename, "filename", "", "override the resolved filename")
	return cmd
}
