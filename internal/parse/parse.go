package parse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/schollz/progressbar/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/config"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/progress"
)

const readBufferSize = 1 << 20

type Parser struct {
	Cfg              config.Config
	Logger           *zap.SugaredLogger
	Tracer           trace.Tracer
	Meter            metric.Meter
	progress         *progressbar.ProgressBar
	processedRecords *atomic.Uint64
	sessionDuration  metric.Int64Histogram
	xmlFilesTotal    metric.Int64Counter
	xmlFilesSuccess  metric.Int64Counter
	xmlFilesFailed   metric.Int64Counter
	recordsTotal     metric.Int64Counter
	bytesTotal       metric.Int64Counter
	fileDuration     metric.Int64Histogram
}

// AggregateStats counts what an aggregation took in and left out.
type AggregateStats struct {
	FilesProcessed int
	FilesSkipped   int
	Records        int
	Failed         []error
}

type fileResult struct {
	records models.Dataset
	err     error
}

func NewParser(
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Parser, error) {
	p := &Parser{
		Cfg:              cfg,
		Logger:           logger,
		Tracer:           tracer,
		Meter:            meter,
		processedRecords: &atomic.Uint64{},
	}

	var err error
	p.sessionDuration, err = meter.Int64Histogram(
		"parse.session.duration",
		metric.WithDescription("Duration of the full parsing session"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	p.xmlFilesTotal, err = meter.Int64Counter(
		"parse.xml_files.total",
		metric.WithDescription("Total number of XML files processed"),
	)
	if err != nil {
		return nil, err
	}

	p.xmlFilesSuccess, err = meter.Int64Counter(
		"parse.xml_files.success",
		metric.WithDescription("Number of successfully parsed XML files"),
	)
	if err != nil {
		return nil, err
	}

	p.xmlFilesFailed, err = meter.Int64Counter(
		"parse.xml_files.failed",
		metric.WithDescription("Number of XML files skipped as malformed"),
	)
	if err != nil {
		return nil, err
	}

	p.recordsTotal, err = meter.Int64Counter(
		"parse.records.total",
		metric.WithDescription("Total number of case file records extracted"),
	)
	if err != nil {
		return nil, err
	}

	p.bytesTotal, err = meter.Int64Counter(
		"parse.bytes.total",
		metric.WithDescription("Total bytes parsed from XML files"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	p.fileDuration, err = meter.Int64Histogram(
		"parse.file.duration",
		metric.WithDescription("Duration of individual XML file parsing"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// FindDocuments lists the .xml files below dir in lexical order.
func (p *Parser) FindDocuments(ctx context.Context, dir string) ([]string, error) {
	var xmlFiles []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if path == dir {
				return err
			}
			p.Logger.Warnw("Error accessing path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".xml") {
			xmlFiles = append(xmlFiles, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return xmlFiles, nil
}

// Records streams the case files of one XML document. Only the element being
// visited is held in memory: the stream parser detaches each <case-file>
// subtree from the document before reading the next one. A malformed
// document yields a single ExtractionError and ends the sequence.
func (p *Parser) Records(ctx context.Context, xmlPath string) iter.Seq2[models.CaseFileRecord, error] {
	return func(yield func(models.CaseFileRecord, error) bool) {
		name := filepath.Base(xmlPath)
		fail := func(err error) {
			yield(models.CaseFileRecord{}, &models.ExtractionError{File: name, Err: err})
		}

		f, err := os.Open(xmlPath)
		if err != nil {
			fail(err)
			return
		}
		defer f.Close()
		if fi, err := f.Stat(); err == nil {
			p.bytesTotal.Add(ctx, fi.Size())
		}

		sp, err := xmlquery.CreateStreamParser(bufio.NewReaderSize(f, readBufferSize), p.Cfg.Parse.Element)
		if err != nil {
			fail(err)
			return
		}
		for {
			if err := ctx.Err(); err != nil {
				yield(models.CaseFileRecord{}, err)
				return
			}
			node, err := sp.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				fail(err)
				return
			}
			rec, ok := CaseFileFromNode(node, name)
			if !ok {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Collect drains Records for one file. A file that fails part way
// contributes nothing, so a dataset never carries half a document.
func (p *Parser) Collect(ctx context.Context, xmlPath string) (models.Dataset, error) {
	ctx, span := p.Tracer.Start(ctx, "parse.xml_file", trace.WithAttributes(
		attribute.String("xml_path", xmlPath),
	))
	defer span.End()
	start := time.Now()

	var records models.Dataset
	for rec, err := range p.Records(ctx, xmlPath) {
		if err != nil {
			span.RecordError(err)
			status := "failed"
			if ctx.Err() != nil {
				status = "cancelled"
			}
			p.fileDuration.Record(ctx, time.Since(start).Milliseconds(),
				metric.WithAttributes(attribute.String("status", status)))
			return nil, err
		}
		records = append(records, rec)
	}
	span.AddEvent("records_processed", trace.WithAttributes(attribute.Int("count", len(records))))
	p.fileDuration.Record(ctx, time.Since(start).Milliseconds(),
		metric.WithAttributes(attribute.String("status", "success")))
	return records, nil
}

// Aggregate extracts every file and concatenates the records in file order.
// Up to parse.workers files are read at once. Malformed files are logged and
// skipped; only cancellation fails the aggregation.
func (p *Parser) Aggregate(ctx context.Context, xmlFiles []string) (models.Dataset, AggregateStats, error) {
	ctx, sessionSpan := p.Tracer.Start(ctx, "parse.session", trace.WithAttributes(
		attribute.Int("xml_files", len(xmlFiles)),
		attribute.Int("workers", p.Cfg.Parse.Workers),
	))
	defer sessionSpan.End()
	startTime := time.Now()
	p.Logger.Infow("Starting parsing session", "xml_files", len(xmlFiles), "workers", p.Cfg.Parse.Workers)
	p.xmlFilesTotal.Add(ctx, int64(len(xmlFiles)))

	p.progress = progress.NewCount(progress.Writer(p.Cfg.Progress), len(xmlFiles),
		"[0 records] Parsing XML files...")

	results := make([]fileResult, len(xmlFiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, p.Cfg.Parse.Workers))
	for i, xmlPath := range xmlFiles {
		g.Go(func() error {
			records, err := p.Collect(gctx, xmlPath)
			var ee *models.ExtractionError
			if err != nil && !errors.As(err, &ee) {
				return err
			}
			results[i] = fileResult{records: records, err: err}
			if err != nil {
				p.xmlFilesFailed.Add(gctx, 1)
				p.Logger.Errorw("Malformed XML document, skipping", "file", xmlPath, "error", err)
			} else {
				p.xmlFilesSuccess.Add(gctx, 1)
				p.recordsTotal.Add(gctx, int64(len(records)))
				p.processedRecords.Add(uint64(len(records)))
			}
			p.updateProgress()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		sessionSpan.RecordError(err)
		p.Logger.Warnw("Parsing cancelled", "error", err)
		p.finishProgress("Parsing cancelled")
		return nil, AggregateStats{}, err
	}

	var (
		dataset models.Dataset
		stats   AggregateStats
	)
	for _, r := range results {
		if r.err != nil {
			stats.FilesSkipped++
			stats.Failed = append(stats.Failed, r.err)
			continue
		}
		stats.FilesProcessed++
		dataset = append(dataset, r.records...)
	}
	stats.Records = len(dataset)

	status := "success"
	if len(xmlFiles) == 0 {
		status = "empty"
	}
	p.sessionDuration.Record(ctx, time.Since(startTime).Milliseconds(),
		metric.WithAttributes(attribute.String("status", status)))
	p.finishProgress("Parsing complete")
	p.Logger.Infow("Parsing completed",
		"files_processed", stats.FilesProcessed,
		"files_skipped", stats.FilesSkipped,
		"total_records", stats.Records)
	return dataset, stats, nil
}

// ParseDir is FindDocuments followed by Aggregate.
func (p *Parser) ParseDir(ctx context.Context, dir string) (models.Dataset, AggregateStats, error) {
	files, err := p.FindDocuments(ctx, dir)
	if err != nil {
		return nil, AggregateStats{}, err
	}
	p.Logger.Infow("Found XML files", "count", len(files), "dir", dir)
	return p.Aggregate(ctx, files)
}

func (p *Parser) updateProgress() {
	if p.progress != nil {
		p.progress.Describe(fmt.Sprintf("[%d records] Parsing XML files...", p.processedRecords.Load()))
		_ = p.progress.Add(1)
	}
}

func (p *Parser) finishProgress(desc string) {
	if p.progress != nil {
		p.progress.Describe(desc)
		_ = p.progress.Finish()
		p.progress = nil
	}
}
