package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"project-tachyon/internal/validate"
)

// maxProbeBody caps how much of a page-scrape response body is read,
// independent of Content-Length, to prevent a hostile server from
// streaming an unbounded body at the extractor.
const maxProbeBody = 2 * 1024 * 1024

// GenericHandler is the mandatory fallback: it HEAD-probes the URL for
// metadata and, when that doesn't yield enough, falls back to a capped
// GET to sniff Content-Disposition/Content-Type.
type GenericHandler struct {
	Client *http.Client
}

// NewGenericHandler returns a GenericHandler using client, or
// http.DefaultClient if nil.
func NewGenericHandler(client *http.Client) *GenericHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &GenericHandler{Client: client}
}

func (h *GenericHandler) Name() string { return "generic" }

// Supports is always true: it's the handler of last resort.
func (h *GenericHandler) Supports(string) bool { return true }

func (h *GenericHandler) Extract(ctx context.Context, rawURL string, opts Options) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return Metadata{}, &Error{Reason: "Extract", Message: fmt.Sprintf("building HEAD request: %v", err)}
	}
	applyOptions(req, opts)

	resp, err := h.clientFor(opts).Do(req)
	if err != nil {
		return Metadata{}, &Error{Reason: "Network.Transient", Message: err.Error()}
	}
	resp.Body.Close()

	meta := Metadata{
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		MediaURL:      rawURL,
	}

	if name := filenameFromContentDisposition(resp.Header.Get("Content-Disposition")); name != "" {
		meta.Filename = name
	}

	// HEAD gave nothing usable; some servers lie about HEAD support, so
	// fall back to a capped GET purely to read headers off the first
	// bytes of the response.
	if meta.Filename == "" && meta.ContentType == "" {
		if err := h.probeGet(ctx, rawURL, opts, &meta); err != nil {
			return Metadata{}, err
		}
	}

	if meta.Filename == "" {
		meta.Filename = filenameFromURL(rawURL)
	}
	sanitized, err := validate.SanitizeFilename(meta.Filename)
	if err != nil {
		var vErr *validate.Error
		if errors.As(err, &vErr) {
			return Metadata{}, &Error{Reason: vErr.Reason, Message: vErr.Message}
		}
		return Metadata{}, &Error{Reason: "Validation", Message: err.Error()}
	}
	meta.Filename = sanitized
	meta.Title = strings.TrimSuffix(sanitized, path.Ext(sanitized))

	if strings.Contains(strings.ToLower(meta.ContentType), "text/html") && !opts.ForceGeneric {
		return Metadata{}, &Error{Reason: "Security", Message: "refusing to treat an html page as direct media without force_generic"}
	}

	return meta, nil
}

func (h *GenericHandler) probeGet(ctx context.Context, rawURL string, opts Options, meta *Metadata) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &Error{Reason: "Extract", Message: fmt.Sprintf("building GET probe: %v", err)}
	}
	applyOptions(req, opts)

	resp, err := h.clientFor(opts).Do(req)
	if err != nil {
		return &Error{Reason: "Network.Transient", Message: err.Error()}
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))

	if meta.ContentType == "" {
		meta.ContentType = resp.Header.Get("Content-Type")
	}
	if meta.ContentLength <= 0 {
		meta.ContentLength = resp.ContentLength
	}
	if name := filenameFromContentDisposition(resp.Header.Get("Content-Disposition")); name != "" {
		meta.Filename = name
	}
	return nil
}

// clientFor returns the handler's shared client, or one routed through the
// caller's proxy when set. The proxy URL was validated at enqueue time, so
// a parse failure here just falls back to a direct connection.
func (h *GenericHandler) clientFor(opts Options) *http.Client {
	if opts.Proxy == "" {
		return h.Client
	}
	proxyURL, err := url.Parse(opts.Proxy)
	if err != nil {
		return h.Client
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   h.Client.Timeout,
	}
}

func applyOptions(req *http.Request, opts Options) {
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.Cookies != "" {
		req.Header.Set("Cookie", opts.Cookies)
	}
}

// filenameFromContentDisposition prefers the RFC 5987 extended
// filename*=UTF-8”... parameter, then the quoted/bare filename
// parameter. Go's mime package already decodes RFC 2231/5987 extended
// parameters, so no extra dependency is needed here.
func filenameFromContentDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	if name := params["filename*"]; name != "" {
		return name
	}
	return params["filename"]
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "download"
	}
	return base
}
