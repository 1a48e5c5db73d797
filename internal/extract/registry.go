// Package extract resolves a URL into download metadata: a title, a
// direct media endpoint, and a suggested filename. It holds an ordered
// list of handlers (site-specific, public-page-scrape, generic) and picks
// the first one whose Supports check passes.
package extract

import (
	"context"
	"fmt"
)

// SourceKind values recorded on extracted metadata, naming which class of
// handler resolved the URL.
const (
	SourceSite       = "site"
	SourcePublicPage = "public-page"
	SourceGeneric    = "generic"
)

// Metadata is the outcome of a successful extraction.
type Metadata struct {
	Title         string
	MediaURL      string // the direct, fetchable URL the engine should download
	Filename      string
	ContentType   string
	ContentLength int64  // 0 if unknown
	SourceKind    string // SourceSite, SourcePublicPage, or SourceGeneric
}

// Options carries the caller's download options relevant to extraction.
type Options struct {
	ForceGeneric bool
	Headers      map[string]string
	Cookies      string
	Proxy        string

	// Media is the full flattened option map (format spec, subtitle
	// languages, playlist selection, sponsor-skip, browser cookie
	// source, ...), already validated upstream. Site-specific handlers
	// read what they understand from it; the generic handler ignores it.
	Media map[string]string
}

// Handler is one entry in the registry.
type Handler interface {
	// Name identifies the handler for logging.
	Name() string
	// Supports is a cheap syntactic/domain check, never a network call.
	Supports(url string) bool
	// Extract resolves url into Metadata.
	Extract(ctx context.Context, url string, opts Options) (Metadata, error)
}

// Error carries a taxonomy-tagged extraction failure.
type Error struct {
	Reason  string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Reason, e.Message) }

// Registry holds ordered handlers plus a mandatory generic fallback.
type Registry struct {
	siteHandlers []Handler
	pageScrapers []Handler
	generic      Handler
}

// NewRegistry builds a registry with the given generic fallback handler.
// Site-specific and page-scraper handlers are added via Register/
// RegisterPageScraper.
func NewRegistry(generic Handler) *Registry {
	return &Registry{generic: generic}
}

// Register appends a dedicated site handler, checked before page scrapers.
func (r *Registry) Register(h Handler) {
	r.siteHandlers = append(r.siteHandlers, h)
}

// RegisterPageScraper appends a public-page-scrape handler, checked after
// site handlers but before the generic fallback.
func (r *Registry) RegisterPageScraper(h Handler) {
	r.pageScrapers = append(r.pageScrapers, h)
}

// Select applies the selection policy: force_generic skips straight to
// the fallback; otherwise site handlers are tried in registration order,
// then page scrapers, then the fallback.
func (r *Registry) Select(url string, opts Options) Handler {
	h, _ := r.selectWithKind(url, opts)
	return h
}

func (r *Registry) selectWithKind(url string, opts Options) (Handler, string) {
	if opts.ForceGeneric {
		return r.generic, SourceGeneric
	}
	for _, h := range r.siteHandlers {
		if h.Supports(url) {
			return h, SourceSite
		}
	}
	for _, h := range r.pageScrapers {
		if h.Supports(url) {
			return h, SourcePublicPage
		}
	}
	return r.generic, SourceGeneric
}

// Extract selects a handler and runs it, stamping the resulting metadata
// with which handler class resolved the URL. Returns an Extract-kind
// error if no handler (including the fallback) is configured.
func (r *Registry) Extract(ctx context.Context, url string, opts Options) (Metadata, error) {
	h, kind := r.selectWithKind(url, opts)
	if h == nil {
		return Metadata{}, &Error{Reason: "Extract", Message: "no extractor available"}
	}
	meta, err := h.Extract(ctx, url, opts)
	if err != nil {
		return Metadata{}, err
	}
	if meta.MediaURL == "" {
		return Metadata{}, &Error{Reason: "Extract", Message: fmt.Sprintf("handler %q returned no media url", h.Name())}
	}
	meta.SourceKind = kind
	return meta, nil
}
