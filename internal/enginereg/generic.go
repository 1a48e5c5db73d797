package enginereg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"project-tachyon/internal/cancel"
	"project-tachyon/internal/filesystem"
	"project-tachyon/internal/network"
	"project-tachyon/internal/pathguard"
	"project-tachyon/internal/ratelimit"
)

// genericChunkSize is the read buffer used for each streamed copy, a
// generalization of the teacher's part-swarm DownloadChunkSize down to a
// single-stream engine (downloadcore already bounds concurrency across
// items at the scheduler level, not within one item).
const genericChunkSize = 32 * 1024

// genericBackoffs are the exponential retry delays spec.md section 4.6
// mandates for transient engine failures: 2s, 4s, 8s.
var genericBackoffs = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// GenericEngine is the mandatory fallback transfer engine: a single
// streamed HTTP GET with Range-resume support, retried on transient
// failure, guarded against path traversal and unexpected HTML payloads.
type GenericEngine struct {
	Client    *http.Client
	Allocator *filesystem.Allocator
	// Global, if set, caps aggregate throughput across every job this
	// engine runs concurrently, on top of each job's own RateLimitBPS.
	Global *network.BandwidthManager
}

// NewGenericEngine returns a GenericEngine using client (or
// http.DefaultClient if nil) and its own Allocator.
func NewGenericEngine(client *http.Client) *GenericEngine {
	if client == nil {
		client = http.DefaultClient
	}
	return &GenericEngine{Client: client, Allocator: filesystem.NewAllocator()}
}

func (g *GenericEngine) Name() string { return "generic" }

// Supports is always true: it's the engine of last resort.
func (g *GenericEngine) Supports(string) bool { return true }

func (g *GenericEngine) Download(ctx context.Context, job Job, progress ProgressFunc, token *cancel.Token) (Result, error) {
	if err := pathguard.VerifyInside(job.OutputPath, job.OutputDir); err != nil {
		return Result{}, &Error{Reason: "Security", Message: err.Error()}
	}

	var limiter *ratelimit.Limiter
	if job.RateLimitBPS > 0 {
		limiter = ratelimit.New()
		limiter.SetLimit(job.RateLimitBPS)
	}

	resumeFrom := existingSize(job.OutputPath)
	if resumeFrom == 0 && job.ExpectedSize > 0 && g.Allocator != nil {
		if err := g.Allocator.AllocateFile(job.OutputPath, job.ExpectedSize); err != nil {
			return Result{}, &Error{Reason: "Resource", Message: fmt.Sprintf("allocating output file: %v", err)}
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		written, contentType, err := g.attempt(ctx, job, progress, token, limiter, resumeFrom)
		if err == nil {
			return Result{BytesWritten: written, ContentType: contentType}, nil
		}
		if errors.Is(err, cancel.ErrCancelled) || errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		var taxErr *Error
		if errors.As(err, &taxErr) && taxErr.Reason != "Network.Transient" {
			return Result{}, err
		}
		lastErr = err
		if attempt >= len(genericBackoffs) {
			return Result{}, &Error{Reason: "Network.Transient", Message: fmt.Sprintf("exhausted retries: %v", lastErr)}
		}
		select {
		case <-time.After(genericBackoffs[attempt]):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		resumeFrom = existingSize(job.OutputPath)
	}
}

// attempt performs one streamed GET, resuming from resumeFrom via Range
// when the file already has bytes on disk. On success it returns the
// total size of the output file: the kept prefix plus this attempt's
// bytes, or this attempt's bytes alone when the server ignored Range. On
// failure it returns the bytes written during this attempt only.
func (g *GenericEngine) attempt(ctx context.Context, job Job, progress ProgressFunc, token *cancel.Token, limiter *ratelimit.Limiter, resumeFrom int64) (int64, string, error) {
	// Tie the request to the token so Cancel unblocks a read that is
	// parked waiting on a stalled server, not just the next between-chunk
	// check.
	reqCtx := ctx
	if token != nil {
		var cancelReq context.CancelFunc
		reqCtx, cancelReq = context.WithCancel(ctx)
		defer cancelReq()
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-watchDone:
					return
				case <-ticker.C:
					if token.IsCancelled() {
						cancelReq()
						return
					}
				}
			}
		}()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, job.MediaURL, nil)
	if err != nil {
		return 0, "", &Error{Reason: "Internal", Message: fmt.Sprintf("building request: %v", err)}
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}
	if job.Cookies != "" {
		req.Header.Set("Cookie", job.Cookies)
	}
	resuming := resumeFrom > 0
	if resuming {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := g.clientFor(job).Do(req)
	if err != nil {
		return 0, "", &Error{Reason: "Network.Transient", Message: err.Error()}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return 0, "", err
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		if !job.ForceGeneric || !job.TargetIsHTMLExt {
			return 0, "", &Error{Reason: "Security", Message: "server returned text/html; refusing to save as media without an explicit force-generic .html target"}
		}
	}

	// A server that ignored our Range request (200 instead of 206) forces
	// a restart from scratch: appending its full body onto existing bytes
	// would corrupt the file.
	flags := os.O_WRONLY | os.O_CREATE
	writeFrom := resumeFrom
	if resuming && resp.StatusCode != http.StatusPartialContent {
		flags |= os.O_TRUNC
		writeFrom = 0
	} else if resuming {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(job.OutputPath, flags, 0644)
	if err != nil {
		return 0, "", &Error{Reason: "Permission", Message: fmt.Sprintf("opening output file: %v", err)}
	}
	defer f.Close()

	written, err := g.stream(ctx, f, resp.Body, writeFrom, progress, token, limiter, job.ItemID)
	if err != nil {
		return written, contentType, err
	}
	return writeFrom + written, contentType, nil
}

// clientFor returns the engine's shared client, or one routed through the
// job's proxy when set. The proxy URL was validated at enqueue time, so a
// parse failure here just falls back to a direct connection.
func (g *GenericEngine) clientFor(job Job) *http.Client {
	if job.Proxy == "" {
		return g.Client
	}
	proxyURL, err := url.Parse(job.Proxy)
	if err != nil {
		return g.Client
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   g.Client.Timeout,
	}
}

func (g *GenericEngine) stream(ctx context.Context, f *os.File, body io.Reader, base int64, progress ProgressFunc, token *cancel.Token, limiter *ratelimit.Limiter, itemID string) (int64, error) {
	buf := make([]byte, genericChunkSize)
	var written int64
	for {
		if token != nil {
			if err := token.Check(ctx); err != nil {
				return written, err
			}
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.Acquire(ctx, n); err != nil {
					return written, err
				}
			}
			if g.Global != nil {
				if err := g.Global.Wait(ctx, itemID, n); err != nil {
					return written, err
				}
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, &Error{Reason: "Permission", Message: fmt.Sprintf("writing output: %v", werr)}
			}
			written += int64(n)
			if progress != nil {
				if err := progress(base + written); err != nil {
					return written, err
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			// A read failure triggered by cancellation must surface as
			// Cancelled, not a retryable transient.
			if token != nil && token.IsCancelled() {
				return written, cancel.ErrCancelled
			}
			if errors.Is(readErr, context.Canceled) {
				return written, readErr
			}
			return written, &Error{Reason: "Network.Transient", Message: readErr.Error()}
		}
	}
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK || status == http.StatusPartialContent:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return &Error{Reason: "Network.Transient", Message: fmt.Sprintf("http %d", status)}
	case status >= 500:
		return &Error{Reason: "Network.Transient", Message: fmt.Sprintf("http %d", status)}
	case status >= 400:
		return &Error{Reason: "Network.Permanent", Message: fmt.Sprintf("http %d", status)}
	default:
		return &Error{Reason: "Network.Permanent", Message: fmt.Sprintf("unexpected http status %d", status)}
	}
}

func existingSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
