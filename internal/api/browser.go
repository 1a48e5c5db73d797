package api

import (
	"encoding/json"
	"net/http"

	"project-tachyon/internal/downloadcore"
	"project-tachyon/internal/queue"
	"project-tachyon/internal/validate"

	"github.com/google/uuid"
)

// genericUserAgent is sent on browser-extension quick-add enqueues that
// don't supply their own User-Agent header.
const genericUserAgent = "Mozilla/5.0 (compatible; Tachyon/1.0)"

// BrowserParams is the payload posted by the browser-extension "download
// this" quick-add action, folded in here from the teacher's
// api/browser.go as a generic enqueue route rather than a second engine.
type BrowserParams struct {
	URL       string `json:"url"`
	Cookies   string `json:"cookies"` // Raw string "a=b; c=d"
	UserAgent string `json:"user_agent"`
	Referer   string `json:"referer"`
	Filename  string `json:"filename"`
}

func (s *ControlServer) handleBrowserTrigger(w http.ResponseWriter, r *http.Request) {
	// Allow CORS for the browser extension.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var params BrowserParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if params.URL == "" {
		http.Error(w, "URL required", http.StatusBadRequest)
		return
	}
	if err := validate.ValidateURL(params.URL); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	options := make(map[string]string, 3)
	if params.Cookies != "" {
		// Stored as the raw header value; the engine replays it verbatim
		// on its requests.
		options[downloadcore.OptCookies] = params.Cookies
	}

	userAgent := params.UserAgent
	if userAgent == "" {
		userAgent = genericUserAgent
	}
	headers := map[string]string{"User-Agent": userAgent}
	if params.Referer != "" {
		headers["Referer"] = params.Referer
	}
	if b, err := json.Marshal(headers); err == nil {
		options[downloadcore.OptHeadersJSON] = string(b)
	}

	item, err := s.queue.Add(queue.Item{
		ID:        uuid.NewString(),
		URL:       params.URL,
		OutputDir: s.cfg.GetDefaultOutputDir(),
		Filename:  params.Filename,
		Options:   options,
	})
	if err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /v1/browser/trigger", 500, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.audit.Log("127.0.0.1", r.UserAgent(), "POST /v1/browser/trigger", 200, "Started "+item.ID)

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "started",
		"id":     item.ID,
	})
}
