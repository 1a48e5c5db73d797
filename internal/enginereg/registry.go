// Package enginereg resolves a selected download job to a transfer
// engine and supplies the mandatory generic chunked/ranged HTTP engine
// every job can fall back to. It mirrors internal/extract's
// ordered-handler-list shape, one level down the pipeline: extract picks
// a metadata source, enginereg picks the thing that moves the bytes.
package enginereg

import (
	"context"
	"fmt"

	"project-tachyon/internal/cancel"
)

// Job is the immutable description of one transfer, assembled by
// downloadcore after extraction and path sanitization.
type Job struct {
	ItemID     string // the owning queue item's id, for global bandwidth accounting
	MediaURL   string // the direct, fetchable URL resolved by the extractor
	OutputPath string // final sanitized absolute file path
	OutputDir  string // sanitized parent directory OutputPath must stay inside

	ExpectedSize int64 // 0 if unknown
	Headers      map[string]string
	Cookies      string
	Proxy        string // already validated, "" = direct connection
	RateLimitBPS int    // 0 = unlimited, this job's own override

	ForceGeneric    bool
	TargetIsHTMLExt bool // true if OutputPath's extension is .html/.htm

	// Media is the full flattened option map, already validated
	// upstream. Site-specific engines read their format/subtitle/
	// chapter/sponsor selections from it; the generic engine ignores it.
	Media map[string]string
}

// ProgressFunc reports cumulative bytes written so far. Implementations
// must treat a non-nil error as "stop now" — it already means the
// caller's CancelToken fired.
type ProgressFunc func(bytesDone int64) error

// Result is the outcome of a successful Download.
type Result struct {
	BytesWritten int64
	ContentType  string
}

// Error carries a taxonomy-tagged engine failure (spec.md section 7).
type Error struct {
	Reason  string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Reason, e.Message) }

// Engine performs the actual byte transfer for a Job.
type Engine interface {
	// Name identifies the engine for logging.
	Name() string
	// Supports is a cheap syntactic/domain check, never a network call.
	Supports(url string) bool
	// Download streams job to job.OutputPath. Implementations must call
	// token.Check between chunks and honor ctx cancellation.
	Download(ctx context.Context, job Job, progress ProgressFunc, token *cancel.Token) (Result, error)
}

// Registry holds ordered site-specific engines plus a mandatory generic
// fallback.
type Registry struct {
	siteEngines []Engine
	generic     Engine
}

// NewRegistry builds a registry with the given generic fallback engine.
func NewRegistry(generic Engine) *Registry {
	return &Registry{generic: generic}
}

// Register appends a dedicated site engine, checked before the fallback.
func (r *Registry) Register(e Engine) {
	r.siteEngines = append(r.siteEngines, e)
}

// Select applies the selection policy from spec.md section 4.6:
// force_generic skips straight to the fallback; otherwise site engines
// are tried in registration order.
func (r *Registry) Select(url string, forceGeneric bool) Engine {
	if forceGeneric {
		return r.generic
	}
	for _, e := range r.siteEngines {
		if e.Supports(url) {
			return e
		}
	}
	return r.generic
}

// Download selects an engine and runs it.
func (r *Registry) Download(ctx context.Context, url string, job Job, progress ProgressFunc, token *cancel.Token) (Result, error) {
	eng := r.Select(url, job.ForceGeneric)
	if eng == nil {
		return Result{}, &Error{Reason: "Extract", Message: "no download engine available"}
	}
	return eng.Download(ctx, job, progress, token)
}
