package enginereg

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"project-tachyon/internal/cancel"

	"github.com/stretchr/testify/require"
)

func rangeServer(t *testing.T, content []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			w.Write(content)
			return
		}
		var start int
		fmt.Sscanf(rng, "bytes=%d-", &start)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start:])
	}))
}

func TestGenericEngineDownloadFullFile(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog, repeated payload bytes")
	srv := rangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	eng := NewGenericEngine(srv.Client())
	job := Job{MediaURL: srv.URL, OutputPath: out, OutputDir: dir, ExpectedSize: int64(len(content))}

	var lastReported int64
	result, err := eng.Download(context.Background(), job, func(bytesDone int64) error {
		lastReported = bytesDone
		return nil
	}, cancel.New())
	require.NoError(t, err)
	require.EqualValues(t, len(content), result.BytesWritten)
	require.EqualValues(t, len(content), lastReported)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestGenericEngineResumesFromPartialFile(t *testing.T) {
	content := []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	srv := rangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(out, content[:10], 0644))

	eng := NewGenericEngine(srv.Client())
	job := Job{MediaURL: srv.URL, OutputPath: out, OutputDir: dir, ExpectedSize: int64(len(content))}

	result, err := eng.Download(context.Background(), job, func(int64) error { return nil }, cancel.New())
	require.NoError(t, err)
	require.EqualValues(t, len(content), result.BytesWritten)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestGenericEngineRejectsTraversalOutsideDir(t *testing.T) {
	dir := t.TempDir()
	eng := NewGenericEngine(http.DefaultClient)
	job := Job{MediaURL: "http://example.com/x", OutputPath: filepath.Join(dir, "..", "escape.bin"), OutputDir: dir}

	_, err := eng.Download(context.Background(), job, nil, cancel.New())
	require.Error(t, err)
	var taxErr *Error
	require.ErrorAs(t, err, &taxErr)
	require.Equal(t, "Security", taxErr.Reason)
}

func TestGenericEngineRejectsHTMLWithoutForceGeneric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	eng := NewGenericEngine(srv.Client())
	job := Job{MediaURL: srv.URL, OutputPath: filepath.Join(dir, "page.bin"), OutputDir: dir}

	_, err := eng.Download(context.Background(), job, nil, cancel.New())
	require.Error(t, err)
	var taxErr *Error
	require.ErrorAs(t, err, &taxErr)
	require.Equal(t, "Security", taxErr.Reason)
}

func TestGenericEngineCancellationStopsStream(t *testing.T) {
	content := make([]byte, 1<<20)
	srv := rangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	eng := NewGenericEngine(srv.Client())
	job := Job{MediaURL: srv.URL, OutputPath: filepath.Join(dir, "out.bin"), OutputDir: dir, ExpectedSize: int64(len(content))}

	tok := cancel.New()
	_, err := eng.Download(context.Background(), job, func(bytesDone int64) error {
		if bytesDone > 1024 {
			tok.Cancel()
		}
		return nil
	}, tok)
	require.ErrorIs(t, err, cancel.ErrCancelled)
}
