package extract

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	ET "github.com/IBM/fp-go/v2/either"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/config"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
)

func newTestExtractor(t *testing.T, dest string, deleteAfter bool) *Extractor {
	t.Helper()
	cfg, err := config.Defaults()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	cfg.Progress = false
	cfg.Extract.Directory = dest
	cfg.Extract.DeleteAfterExtract = deleteAfter
	e, err := NewExtractor(cfg, tracenoop.NewTracerProvider().Tracer("test"), zap.NewNop().Sugar(),
		metricnoop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewExtractor failed: %v", err)
	}
	return e
}

func writeZip(t *testing.T, path string, members map[string]string) models.LocalArchive {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, body := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return models.LocalArchive{Path: path, Source: models.ArchiveRef{Filename: filepath.Base(path)}}
}

// writeOrderedZip keeps member order, which map-based writeZip cannot.
func writeOrderedZip(t *testing.T, path string, members ...[2]string) models.LocalArchive {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, m := range members {
		w, err := zw.Create(m[0])
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(m[1])); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return models.LocalArchive{Path: path, Source: models.ArchiveRef{Filename: filepath.Base(path)}}
}

func TestExpandAll_RollbackKeepsEarlierArchiveFiles(t *testing.T) {
	zips := t.TempDir()
	dest := filepath.Join(t.TempDir(), "xml")

	first := writeOrderedZip(t, filepath.Join(zips, "apc240101.zip"),
		[2]string{"shared.xml", "<root>first</root>"})
	broken := writeOrderedZip(t, filepath.Join(zips, "apc240102.zip"),
		[2]string{"shared.xml", "<root>second</root>"},
		[2]string{"only-second.xml", "<root/>"},
		[2]string{"../escaped.xml", "<root/>"},
	)

	e := newTestExtractor(t, dest, false)
	res, err := ET.UnwrapError(e.ExpandAll(context.Background(), []models.LocalArchive{first, broken})())
	if err != nil {
		t.Fatalf("ExpandAll failed: %v", err)
	}
	if len(res.Expanded) != 1 || len(res.Failed) != 1 {
		t.Fatalf("Expected 1 expanded and 1 failed, got %d and %d", len(res.Expanded), len(res.Failed))
	}
	if _, err := os.Stat(filepath.Join(dest, "shared.xml")); err != nil {
		t.Errorf("Expected shared.xml from the first archive to survive rollback: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "only-second.xml")); !os.IsNotExist(err) {
		t.Error("Expected files created by the failed archive to be removed")
	}
}

func TestExpandAll_CorruptArchiveIsSkipped(t *testing.T) {
	zips := t.TempDir()
	dest := filepath.Join(t.TempDir(), "xml")

	good := writeZip(t, filepath.Join(zips, "apc240101.zip"), map[string]string{
		"apc240101.xml": "<root/>",
	})
	corruptPath := filepath.Join(zips, "apc240102.zip")
	if err := os.WriteFile(corruptPath, []byte("this is not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	corrupt := models.LocalArchive{Path: corruptPath}
	other := writeZip(t, filepath.Join(zips, "apc240103.zip"), map[string]string{
		"apc240103.xml": "<root/>",
		"nested/extra.xml": "<root/>",
	})

	e := newTestExtractor(t, dest, false)
	res, err := ET.UnwrapError(e.ExpandAll(context.Background(), []models.LocalArchive{good, corrupt, other})())
	if err != nil {
		t.Fatalf("ExpandAll failed: %v", err)
	}
	if len(res.Expanded) != 2 || res.Files != 3 {
		t.Errorf("Expected 2 archives and 3 files, got %d and %d", len(res.Expanded), res.Files)
	}
	if len(res.Failed) != 1 {
		t.Fatalf("Expected 1 failure, got %v", res.Failed)
	}
	var xe *models.ExpansionError
	if !errors.As(res.Failed[0], &xe) || xe.Archive != corruptPath {
		t.Errorf("Expected ExpansionError for %s, got %v", corruptPath, res.Failed[0])
	}
	for _, name := range []string{"apc240101.xml", "apc240103.xml", "nested/extra.xml"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("Expected %s to be extracted: %v", name, err)
		}
	}
	if _, err := os.Stat(good.Path); err != nil {
		t.Error("Expected archive to be kept without delete_after_extract")
	}
}

func TestExpandAll_DeleteAfterExtract(t *testing.T) {
	zips := t.TempDir()
	a := writeZip(t, filepath.Join(zips, "a.zip"), map[string]string{"a.xml": "<root/>"})

	e := newTestExtractor(t, t.TempDir(), true)
	if _, err := ET.UnwrapError(e.ExpandAll(context.Background(), []models.LocalArchive{a})()); err != nil {
		t.Fatalf("ExpandAll failed: %v", err)
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Error("Expected archive removed after extraction")
	}
}

func TestProcessZipFile_RejectsEscapingMembers(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "dest")
	a := writeZip(t, filepath.Join(root, "evil.zip"), map[string]string{
		"../escaped.xml": "<root/>",
	})

	e := newTestExtractor(t, dest, false)
	if _, err := e.ProcessZipFile(context.Background(), a.Path, dest); err == nil {
		t.Fatal("Expected error for member escaping the destination")
	}
	if _, err := os.Stat(filepath.Join(root, "escaped.xml")); !os.IsNotExist(err) {
		t.Error("Member was written outside the destination")
	}
}

func TestExpandAll_Cancelled(t *testing.T) {
	a := writeZip(t, filepath.Join(t.TempDir(), "a.zip"), map[string]string{"a.xml": "<root/>"})
	e := newTestExtractor(t, t.TempDir(), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.ExpandAll(ctx, []models.LocalArchive{a})()
	if _, err := ET.UnwrapError(res); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
