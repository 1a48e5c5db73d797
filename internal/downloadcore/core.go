// Package downloadcore runs one queue item end to end: validate, resolve
// an output path, extract metadata, pick a transfer engine, stream it,
// run post-processing, and record the outcome. It is the generalized
// descendant of the teacher's executeTask (internal/engine/executor.go),
// rebuilt around explicit validation/pathguard/extract/enginereg stages
// instead of one monolithic function.
package downloadcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"project-tachyon/internal/analytics"
	"project-tachyon/internal/cancel"
	"project-tachyon/internal/enginereg"
	"project-tachyon/internal/extract"
	"project-tachyon/internal/filesystem"
	"project-tachyon/internal/integrity"
	"project-tachyon/internal/pathguard"
	"project-tachyon/internal/progress"
	"project-tachyon/internal/queue"
	"project-tachyon/internal/security"
	"project-tachyon/internal/storage"
	"project-tachyon/internal/validate"
)

// Option keys read out of queue.Item.Options — the flattened wire shape
// DownloadOptions (spec.md section 3) takes once it reaches the core.
// The transfer-level keys are consumed by Run and the generic pair; the
// media-selection keys below them are validated here and carried through
// extract.Options/enginereg.Job verbatim for site-specific handlers,
// since the generic HTTP pair has no media semantics to apply them to.
const (
	OptProxy          = "proxy"
	OptRateLimit      = "rate_limit"
	OptForceGeneric   = "force_generic"
	OptCookies        = "cookies"
	OptExpectedHash   = "expected_hash"
	OptHashAlgorithm  = "hash_algorithm"
	OptOrganize       = "organize"
	OptOutputTemplate = "output_template"
	OptHeadersJSON    = "headers_json"

	OptFormatSpec         = "format_spec"
	OptSubtitleLangs      = "subtitle_langs" // comma-separated language codes
	OptChapterSplit       = "chapter_split"
	OptEmbedMetadata      = "embed_metadata"
	OptEmbedThumbnail     = "embed_thumbnail"
	OptTimeRangeStart     = "time_range_start" // seconds, requires time_range_end
	OptTimeRangeEnd       = "time_range_end"
	OptPlaylist           = "playlist"
	OptPlaylistFilter     = "playlist_filter" // regexp over playlist entry titles
	OptSponsorSkip        = "sponsor_segments_skip"
	OptCookiesFromBrowser = "cookies_from_browser"
)

// Core wires every orchestration-core collaborator together. One Core is
// shared by every worker the Scheduler launches; it holds no per-item
// state itself.
type Core struct {
	Queue      *queue.Manager
	Extractors *extract.Registry
	Engines    *enginereg.Registry
	History    *storage.Storage
	Verifier   *integrity.FileVerifier
	Scanner    security.Scanner
	Organizer  *filesystem.SmartOrganizer
	Stats      *analytics.StatsManager
	Logger     *slog.Logger

	// ValidateURL guards every submitted URL before any network
	// activity. Defaults to validate.ValidateURL; tests substitute a
	// validator that admits fixture servers on loopback addresses the
	// real one rejects.
	ValidateURL func(string) error

	// PauseTimeout is the default CancelToken pause deadline duration
	// (spec.md section 4.1 default of one hour). Run does not read it;
	// Scheduler.PauseAll takes its deadline from its caller, and the control
	// API computes that deadline from config.
	PauseTimeout time.Duration
}

// New builds a Core from its collaborators. logger defaults to
// slog.Default() if nil.
func New(q *queue.Manager, extractors *extract.Registry, engines *enginereg.Registry, hist *storage.Storage, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		Queue:        q,
		Extractors:   extractors,
		Engines:      engines,
		History:      hist,
		Verifier:     integrity.NewFileVerifier(),
		Scanner:      security.NewNoOpScanner(logger),
		Organizer:    filesystem.NewSmartOrganizer(),
		Logger:       logger,
		ValidateURL:  validate.ValidateURL,
		PauseTimeout: time.Hour,
	}
}

// Run executes item end to end. It does not recover panics itself; the
// Scheduler's worker wrapper does. Validation, extraction, transfer and
// post-processing failures end in a StatusError transition plus a History
// record, and cancellation ends in StatusCancelled plus a History record.
// If the queue refuses the move to Downloading or Processing (the item was
// already moved on by someone else), Run logs it and returns without a
// History record.
func (c *Core) Run(ctx context.Context, item queue.Item, token *cancel.Token) {
	started := time.Now()

	if err := token.Check(ctx); err != nil {
		c.finishCancelled(item, started)
		return
	}

	if err := c.validateItem(item); err != nil {
		c.finishError(item, started, reasonOf(err, "Validation"), err.Error())
		return
	}

	sanitizedDir, err := pathguard.SanitizeOutputDir(item.OutputDir)
	if err != nil {
		c.finishError(item, started, "Permission", err.Error())
		return
	}
	if sanitizedDir.Warning != "" {
		c.Logger.Warn("downloadcore: output dir fell back", "item", item.ID, "reason", sanitizedDir.Warning)
	}

	forceGeneric := item.Options[OptForceGeneric] == "true"
	cookies := item.Options[OptCookies]
	proxy := item.Options[OptProxy]
	var headers map[string]string
	if raw := item.Options[OptHeadersJSON]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			c.Logger.Warn("downloadcore: ignoring malformed headers option", "item", item.ID, "error", err)
		}
	}

	meta, err := c.Extractors.Extract(ctx, item.URL, extract.Options{
		ForceGeneric: forceGeneric,
		Headers:      headers,
		Cookies:      cookies,
		Proxy:        proxy,
		Media:        item.Options,
	})
	if err != nil {
		c.finishError(item, started, reasonOf(err, "Extract"), err.Error())
		return
	}

	filename := item.Filename
	if filename == "" {
		filename = meta.Filename
	}
	sanitizedName, err := validate.SanitizeFilename(filename)
	if err != nil {
		c.finishError(item, started, "Validation", err.Error())
		return
	}
	item.Filename = sanitizedName
	item.Title = meta.Title
	outputPath := filepath.Join(sanitizedDir.Dir, sanitizedName)
	if err := pathguard.VerifyInside(outputPath, sanitizedDir.Dir); err != nil {
		c.finishError(item, started, "Security", err.Error())
		return
	}

	if meta.ContentLength > 0 {
		free, ok, err := pathguard.CheckDiskSpace(sanitizedDir.Dir, meta.ContentLength)
		if err == nil {
			if !ok && free < meta.ContentLength+pathguard.FailBelowBytes {
				c.finishError(item, started, "Resource", "insufficient disk space for download")
				return
			}
			if !ok {
				c.Logger.Warn("downloadcore: low disk space", "item", item.ID, "free", free)
			}
		}
	}

	var rateLimitBPS int
	if rl := item.Options[OptRateLimit]; rl != "" {
		bps, err := validate.ParseRateLimit(rl)
		if err != nil {
			c.finishError(item, started, "Validation", err.Error())
			return
		}
		rateLimitBPS = int(bps)
	}

	if _, err := c.Queue.UpdateStatus(item.ID, queue.StatusDownloading, func(it *queue.Item) {
		it.Filename = sanitizedName
		it.Title = meta.Title
		it.SourceKind = meta.SourceKind
		it.BytesTotal = meta.ContentLength
	}); err != nil {
		c.Logger.Error("downloadcore: cannot transition to downloading", "item", item.ID, "error", err)
		return
	}

	reporter := progress.New(item.ID, meta.ContentLength, func(u progress.Update) {
		c.Queue.Patch(item.ID, func(it *queue.Item) {
			it.BytesDone = u.BytesDone
			it.ProgressRatio = u.ProgressRatio
			it.SpeedBPS = u.SpeedBPS
			it.ETASeconds = u.ETASeconds
		})
	}, token)

	ext := strings.ToLower(filepath.Ext(sanitizedName))
	job := enginereg.Job{
		ItemID:          item.ID,
		MediaURL:        meta.MediaURL,
		OutputPath:      outputPath,
		OutputDir:       sanitizedDir.Dir,
		ExpectedSize:    meta.ContentLength,
		Headers:         headers,
		Cookies:         cookies,
		Proxy:           proxy,
		RateLimitBPS:    rateLimitBPS,
		ForceGeneric:    forceGeneric,
		TargetIsHTMLExt: ext == ".html" || ext == ".htm",
		Media:           item.Options,
	}

	result, err := c.Engines.Download(ctx, item.URL, job, func(bytesDone int64) error {
		return reporter.Report(ctx, bytesDone, progress.PhaseDownloading)
	}, token)
	if err != nil {
		if isCancellation(err) {
			c.finishCancelled(item, started)
			return
		}
		c.finishError(item, started, reasonOf(err, "Network.Transient"), err.Error())
		return
	}

	if _, err := c.Queue.UpdateStatus(item.ID, queue.StatusProcessing, nil); err != nil {
		c.Logger.Error("downloadcore: cannot transition to processing", "item", item.ID, "error", err)
		return
	}
	reporter.Report(ctx, result.BytesWritten, progress.PhaseProcessing)

	if err := pathguard.VerifyInside(outputPath, sanitizedDir.Dir); err != nil {
		c.finishError(item, started, "Security", err.Error())
		return
	}

	if hash := item.Options[OptExpectedHash]; hash != "" {
		algo := item.Options[OptHashAlgorithm]
		if algo == "" {
			algo = "sha256"
		}
		if err := c.Verifier.Verify(outputPath, algo, hash); err != nil {
			c.finishError(item, started, reasonOf(err, "Security"), err.Error())
			return
		}
	}

	var scanNote string
	if c.Scanner != nil {
		if err := c.Scanner.ScanFile(ctx, outputPath); err != nil {
			var scanErr *security.ScanError
			if errors.As(err, &scanErr) && scanErr.Outcome == security.OutcomeThreatDetected {
				scanNote = fmt.Sprintf("av scan flagged %q (not blocking completion)", scanErr.Threat)
			} else {
				scanNote = "av scan unavailable: " + err.Error()
			}
			c.Logger.Warn("downloadcore: antivirus scan warning", "item", item.ID, "error", err)
		}
	}

	finalPath := outputPath
	if c.Organizer != nil && item.Options[OptOrganize] == "true" {
		task := &storage.DownloadTask{SavePath: outputPath, Filename: sanitizedName}
		if moved, err := c.Organizer.OrganizeFile(task); err == nil {
			finalPath = moved
		} else {
			c.Logger.Warn("downloadcore: organize failed, leaving file in place", "item", item.ID, "error", err)
		}
	}

	if _, err := c.Queue.UpdateStatus(item.ID, queue.StatusCompleted, func(it *queue.Item) {
		it.ProgressRatio = 1
		it.BytesDone = result.BytesWritten
		it.FilePath = finalPath
		now := time.Now()
		it.FinalStatusTime = &now
	}); err != nil {
		c.Logger.Error("downloadcore: cannot transition to completed", "item", item.ID, "error", err)
	}
	reporter.Report(ctx, result.BytesWritten, progress.PhaseCompleted)

	if c.Stats != nil {
		c.Stats.TrackCompletedItem(result.BytesWritten)
	}

	c.writeHistory(item, started, queue.StatusCompleted, finalPath, result.BytesWritten, scanNote)
}

func (c *Core) validateItem(item queue.Item) error {
	urlValidator := c.ValidateURL
	if urlValidator == nil {
		urlValidator = validate.ValidateURL
	}
	if err := urlValidator(item.URL); err != nil {
		return err
	}
	if proxy := item.Options[OptProxy]; proxy != "" {
		if err := validate.ValidateProxy(proxy); err != nil {
			return err
		}
	}
	if rl := item.Options[OptRateLimit]; rl != "" {
		if err := validate.ValidateRateLimit(rl); err != nil {
			return err
		}
	}
	if tmpl := item.Options[OptOutputTemplate]; tmpl != "" {
		if err := validate.ValidateOutputTemplate(tmpl); err != nil {
			return err
		}
	}
	if start, end := item.Options[OptTimeRangeStart], item.Options[OptTimeRangeEnd]; start != "" || end != "" {
		if err := validate.ValidateTimeRange(start, end); err != nil {
			return err
		}
	}
	if filter := item.Options[OptPlaylistFilter]; filter != "" {
		if err := validate.ValidatePlaylistFilter(filter); err != nil {
			return err
		}
	}
	return nil
}

func (c *Core) finishError(item queue.Item, started time.Time, kind, message string) {
	c.Queue.UpdateStatus(item.ID, queue.StatusError, func(it *queue.Item) {
		it.ErrorKind = kind
		it.ErrorMessage = message
		now := time.Now()
		it.FinalStatusTime = &now
	})
	c.writeHistory(item, started, queue.StatusError, "", 0, message)
}

func (c *Core) finishCancelled(item queue.Item, started time.Time) {
	// The item may already be Cancelled if Scheduler.CancelItem beat us
	// here (it transitions non-started items directly); ignore the
	// resulting ErrInvalidTransition in that case.
	c.Queue.UpdateStatus(item.ID, queue.StatusCancelled, func(it *queue.Item) {
		now := time.Now()
		it.FinalStatusTime = &now
	})
	c.writeHistory(item, started, queue.StatusCancelled, "", 0, "")
}

func (c *Core) writeHistory(item queue.Item, started time.Time, status queue.Status, filePath string, bytes int64, reason string) {
	if c.History == nil {
		return
	}
	title := item.Title
	if title == "" {
		title = item.Filename
	}
	// History rows use the storage vocabulary ("failed"), not the queue's
	// status name.
	statusStr := strings.ToLower(string(status))
	if status == queue.StatusError {
		statusStr = "failed"
	}
	entry := storage.HistoryEntry{
		ID:          item.ID + ":" + strconv.Itoa(item.RetryCount),
		URL:         item.URL,
		Title:       title,
		FilePath:    filePath,
		BytesTotal:  bytes,
		Status:      statusStr,
		ErrorReason: reason,
		StartedAt:   started,
		FinishedAt:  time.Now(),
	}
	if err := c.History.AddHistoryEntryRetrying(entry); err != nil {
		c.Logger.Error("downloadcore: failed to record history entry", "item", item.ID, "error", err)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, cancel.ErrCancelled) || errors.Is(err, context.Canceled)
}

// reasonOf extracts a taxonomy Reason from validate.Error/extract.Error/
// enginereg.Error/integrity.Error if err is one of those, else falls back.
func reasonOf(err error, fallback string) string {
	switch e := err.(type) {
	case *validate.Error:
		return e.Reason
	case *extract.Error:
		return e.Reason
	case *enginereg.Error:
		return e.Reason
	case *integrity.Error:
		return string(e.Reason)
	default:
		return fallback
	}
}
