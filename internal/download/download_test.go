package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	ET "github.com/IBM/fp-go/v2/either"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/config"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
)

func newTestDownloader(t *testing.T, dir string, skipExists bool) *Downloader {
	t.Helper()
	cfg, err := config.Defaults()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	cfg.Progress = false
	cfg.Download.Directory = dir
	cfg.Download.SkipExists = skipExists
	d, err := NewDownloader(cfg, tracenoop.NewTracerProvider().Tracer("test"), zap.NewNop().Sugar(),
		metricnoop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewDownloader failed: %v", err)
	}
	return d
}

func archiveServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/apc240101.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("first archive"))
	})
	mux.HandleFunc("/apc240103.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("third archive"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func refs(base string, names ...string) []models.ArchiveRef {
	out := make([]models.ArchiveRef, len(names))
	for i, n := range names {
		out[i] = models.ArchiveRef{URL: base + "/" + n, Filename: n}
	}
	return out
}

func TestFetch_SkipsFailedArchives(t *testing.T) {
	srv := archiveServer(t)
	dir := filepath.Join(t.TempDir(), "zips")
	d := newTestDownloader(t, dir, false)

	res, err := ET.UnwrapError(d.Fetch(context.Background(),
		refs(srv.URL, "apc240101.zip", "apc240102.zip", "apc240103.zip"))())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(res.Archives) != 2 {
		t.Fatalf("Expected 2 archives, got %+v", res.Archives)
	}
	if res.Archives[0].Source.Filename != "apc240101.zip" || res.Archives[1].Source.Filename != "apc240103.zip" {
		t.Errorf("Unexpected archive order: %+v", res.Archives)
	}
	data, err := os.ReadFile(res.Archives[1].Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "third archive" {
		t.Errorf("Unexpected content %q", data)
	}

	if len(res.Failed) != 1 {
		t.Fatalf("Expected 1 failure, got %v", res.Failed)
	}
	var fe *models.FetchError
	if !errors.As(res.Failed[0], &fe) || fe.Status != http.StatusNotFound {
		t.Errorf("Expected FetchError with 404, got %v", res.Failed[0])
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".part" {
			t.Errorf("Leftover partial file %s", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "apc240102.zip")); !os.IsNotExist(err) {
		t.Error("Expected no file for the failed archive")
	}
}

func TestFetch_SkipExists(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "apc240101.zip")
	if err := os.WriteFile(existing, []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request for %s", r.URL.Path)
	}))
	defer srv.Close()

	d := newTestDownloader(t, dir, true)
	res, err := ET.UnwrapError(d.Fetch(context.Background(), refs(srv.URL, "apc240101.zip"))())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(res.Archives) != 1 || res.Archives[0].Path != existing {
		t.Errorf("Expected existing archive reused, got %+v", res.Archives)
	}
}

func TestFetch_Cancelled(t *testing.T) {
	srv := archiveServer(t)
	d := newTestDownloader(t, t.TempDir(), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := d.Fetch(ctx, refs(srv.URL, "apc240101.zip"))()
	if !ET.IsLeft(res) {
		t.Fatal("Expected cancelled fetch to fail")
	}
	if _, err := ET.UnwrapError(res); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestFetch_Empty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "new")
	d := newTestDownloader(t, dir, false)
	res, err := ET.UnwrapError(d.Fetch(context.Background(), nil)())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(res.Archives) != 0 || len(res.Failed) != 0 {
		t.Errorf("Expected empty result, got %+v", res)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Expected download directory to be created: %v", err)
	}
}

func TestFetch_DownloadsOneAtATime(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte(r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	d := newTestDownloader(t, t.TempDir(), false)
	res, err := ET.UnwrapError(d.Fetch(context.Background(), refs(srv.URL,
		"apc240101.zip", "apc240102.zip", "apc240103.zip", "apc240104.zip", "apc240105.zip"))())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(res.Archives) != 5 || len(res.Failed) != 0 {
		t.Fatalf("Expected 5 archives and no failures, got %d and %v", len(res.Archives), res.Failed)
	}
	if got := peak.Load(); got != 1 {
		t.Errorf("Expected one request in flight at a time, peak was %d", got)
	}
}
