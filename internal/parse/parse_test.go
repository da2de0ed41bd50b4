package parse

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/IBM/fp-go/v2/option"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/config"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
)

const acmeDocument = `<?xml version="1.0" encoding="UTF-8"?>
<trademark-applications-daily>
  <application-information>
    <file-segments>
      <action-keys>
        <case-file>
          <serial-number>12345678</serial-number>
          <case-file-header>
            <mark-identification>ACME</mark-identification>
            <status-code>630</status-code>
          </case-file-header>
          <classifications>
            <classification>
              <international-code>009</international-code>
            </classification>
          </classifications>
          <case-file-owners>
            <case-file-owner><party-name>Acme Inc</party-name></case-file-owner>
            <case-file-owner><party-name>Road Runner LLC</party-name></case-file-owner>
          </case-file-owners>
        </case-file>
        <case-file>
          <serial-number>87654321</serial-number>
          <case-file-header>
            <mark-identification>NO CLASS</mark-identification>
          </case-file-header>
        </case-file>
        <case-file>
          <serial-number>11112222</serial-number>
          <classifications>
            <classification>
              <international-code>025</international-code>
            </classification>
          </classifications>
        </case-file>
      </action-keys>
    </file-segments>
  </application-information>
</trademark-applications-daily>
`

func newTestParser(t *testing.T, workers int) *Parser {
	t.Helper()
	cfg, err := config.Defaults()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	cfg.Progress = false
	cfg.Parse.Workers = workers
	p, err := NewParser(cfg, tracenoop.NewTracerProvider().Tracer("test"), zap.NewNop().Sugar(),
		metricnoop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewParser failed: %v", err)
	}
	return p
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCollect_ProjectsCaseFiles(t *testing.T) {
	p := newTestParser(t, 1)
	path := writeFile(t, t.TempDir(), "apc240102.xml", acmeDocument)

	ds, err := p.Collect(context.Background(), path)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("Expected 2 records (case file without class dropped), got %d", len(ds))
	}

	acme := ds[0]
	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"category_code", models.Text(acme.CategoryCode), "009"},
		{"mark_identification", models.Text(acme.MarkIdentification), "ACME"},
		{"serial_number", models.Text(acme.SerialNumber), "12345678"},
		{"case_file_owners", acme.CaseFileOwners, "Acme Inc, Road Runner LLC"},
		{"status", models.Text(acme.Status), "630"},
		{"xml_filename", acme.SourceFilename, "apc240102.xml"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}

	bare := ds[1]
	if models.Text(bare.SerialNumber) != "11112222" {
		t.Errorf("Expected second record 11112222, got %q", models.Text(bare.SerialNumber))
	}
	if option.IsSome(bare.MarkIdentification) || option.IsSome(bare.Status) {
		t.Error("Expected absent mark and status")
	}
	if bare.CaseFileOwners != "" {
		t.Errorf("Expected empty owners, got %q", bare.CaseFileOwners)
	}
}

func TestCollect_BlankValuesAreAbsent(t *testing.T) {
	doc := `<root><case-file>
  <serial-number>  </serial-number>
  <classifications><classification><international-code>042</international-code></classification></classifications>
  <case-file-owners>
    <case-file-owner><party-name> </party-name></case-file-owner>
    <case-file-owner><party-name>Only Owner</party-name></case-file-owner>
    <case-file-owner></case-file-owner>
  </case-file-owners>
</case-file></root>`
	p := newTestParser(t, 1)
	ds, err := p.Collect(context.Background(), writeFile(t, t.TempDir(), "blank.xml", doc))
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(ds))
	}
	if option.IsSome(ds[0].SerialNumber) {
		t.Errorf("Expected whitespace serial to be absent, got %q", models.Text(ds[0].SerialNumber))
	}
	if ds[0].CaseFileOwners != "Only Owner" {
		t.Errorf("Expected blank party names skipped, got %q", ds[0].CaseFileOwners)
	}
}

func TestCollect_KeepsTextAsWritten(t *testing.T) {
	doc := `<root><case-file>
  <serial-number>12345678</serial-number>
  <case-file-header><mark-identification> ACME </mark-identification></case-file-header>
  <classifications><classification><international-code>009</international-code></classification></classifications>
  <case-file-owners><case-file-owner><party-name>Acme Inc </party-name></case-file-owner></case-file-owners>
</case-file></root>`
	p := newTestParser(t, 1)
	ds, err := p.Collect(context.Background(), writeFile(t, t.TempDir(), "padded.xml", doc))
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(ds))
	}
	if got := models.Text(ds[0].MarkIdentification); got != " ACME " {
		t.Errorf("mark_identification = %q, want %q", got, " ACME ")
	}
	if ds[0].CaseFileOwners != "Acme Inc " {
		t.Errorf("case_file_owners = %q, want %q", ds[0].CaseFileOwners, "Acme Inc ")
	}
}

func TestRecords_MalformedDocument(t *testing.T) {
	p := newTestParser(t, 1)
	path := writeFile(t, t.TempDir(), "broken.xml", "<root><case-file><serial-number>1</serial-number></root>")

	var errs []error
	for _, err := range p.Records(context.Background(), path) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 1 {
		t.Fatalf("Expected exactly one error, got %d", len(errs))
	}
	var ee *models.ExtractionError
	if !errors.As(errs[0], &ee) {
		t.Fatalf("Expected ExtractionError, got %T", errs[0])
	}
	if ee.File != "broken.xml" {
		t.Errorf("Expected file broken.xml, got %q", ee.File)
	}
}

func TestRecords_StopsWhenConsumerStops(t *testing.T) {
	p := newTestParser(t, 1)
	path := writeFile(t, t.TempDir(), "apc.xml", acmeDocument)

	seen := 0
	for _, err := range p.Records(context.Background(), path) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen++
		break
	}
	if seen != 1 {
		t.Errorf("Expected to see 1 record, got %d", seen)
	}
}

func TestAggregate_SkipsMalformedAndKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeFile(t, dir, "a.xml", acmeDocument),
		writeFile(t, dir, "b.xml", "<root><case-file></root>"),
		writeFile(t, dir, "c.xml", strings.Replace(acmeDocument, "12345678", "99999999", 1)),
	}

	for _, workers := range []int{1, 4} {
		p := newTestParser(t, workers)
		ds, stats, err := p.Aggregate(context.Background(), files)
		if err != nil {
			t.Fatalf("workers=%d: Aggregate failed: %v", workers, err)
		}
		if stats.FilesProcessed != 2 || stats.FilesSkipped != 1 {
			t.Errorf("workers=%d: processed=%d skipped=%d, want 2 and 1",
				workers, stats.FilesProcessed, stats.FilesSkipped)
		}
		if stats.Records != 4 || len(ds) != 4 {
			t.Fatalf("workers=%d: Expected 4 records, got %d", workers, len(ds))
		}
		wantSerials := []string{"12345678", "11112222", "99999999", "11112222"}
		for i, want := range wantSerials {
			if got := models.Text(ds[i].SerialNumber); got != want {
				t.Errorf("workers=%d: record %d serial = %q, want %q", workers, i, got, want)
			}
		}
		if ds[2].SourceFilename != "c.xml" {
			t.Errorf("workers=%d: Expected record 2 from c.xml, got %q", workers, ds[2].SourceFilename)
		}
	}
}

func TestAggregate_Cancelled(t *testing.T) {
	p := newTestParser(t, 1)
	path := writeFile(t, t.TempDir(), "a.xml", acmeDocument)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := p.Aggregate(ctx, []string{path}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestFindDocuments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.xml", acmeDocument)
	writeFile(t, dir, "nested/b.XML", acmeDocument)
	writeFile(t, dir, "notes.txt", "ignored")

	p := newTestParser(t, 1)
	files, err := p.FindDocuments(context.Background(), dir)
	if err != nil {
		t.Fatalf("FindDocuments failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Expected 2 documents, got %v", files)
	}
	if filepath.Base(files[0]) != "a.xml" || filepath.Base(files[1]) != "b.XML" {
		t.Errorf("Unexpected document order: %v", files)
	}

	if _, err := p.FindDocuments(context.Background(), filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for missing directory")
	}
}

func TestParseDir_Empty(t *testing.T) {
	p := newTestParser(t, 1)
	ds, stats, err := p.ParseDir(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("ParseDir failed: %v", err)
	}
	if len(ds) != 0 || stats.FilesProcessed != 0 {
		t.Errorf("Expected empty result, got %d records from %d files", len(ds), stats.FilesProcessed)
	}
}
