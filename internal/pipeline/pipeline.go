package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ET "github.com/IBM/fp-go/v2/either"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/config"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/write"
)

// Runner executes locate, fetch, expand, extract, write, load and reclaim
// strictly one after another. Each stage drains before the next starts.
type Runner struct {
	Cfg        config.Config
	Locator    internal.LocatorInterface
	Downloader internal.DownloaderInterface
	Extractor  internal.ExtractorInterface
	Parser     internal.ParserInterface
	Appender   internal.AppenderInterface
	Reclaimer  internal.ReclaimerInterface
	Logger     *zap.SugaredLogger
	Tracer     trace.Tracer
}

func New(cfg config.Config, s *internal.Services, tracer trace.Tracer, logger *zap.SugaredLogger) *Runner {
	r := &Runner{
		Cfg:        cfg,
		Locator:    s.Locator,
		Downloader: s.Downloader,
		Extractor:  s.Extractor,
		Parser:     s.Parser,
		Reclaimer:  s.Reclaimer,
		Logger:     logger,
		Tracer:     tracer,
	}
	if s.Store != nil {
		r.Appender = s.Store
	}
	return r
}

// Run performs one ingestion run. Discovery, output and load failures are
// returned; per-archive and per-document failures are only counted. Scratch
// space is reclaimed only after the dataset has been written.
func (r *Runner) Run(ctx context.Context) (models.RunReport, error) {
	ctx, span := r.Tracer.Start(ctx, "pipeline.run")
	defer span.End()

	var report models.RunReport
	archives, err := r.acquire(ctx, &report)
	if err != nil {
		span.RecordError(err)
		return report, err
	}

	if r.Cfg.Extract.Enabled {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := r.Extractor.ExpandAll(ctx, archives)()
		if ET.IsLeft(res) {
			_, err := ET.UnwrapError(res)
			span.RecordError(err)
			return report, fmt.Errorf("extract: %w", err)
		}
		expanded, _ := ET.UnwrapError(res)
		report.ArchivesExpanded = len(expanded.Expanded)
		report.ArchivesFailed = len(expanded.Failed)
	}

	if !r.Cfg.Parse.Enabled {
		r.logReport(report)
		return report, nil
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	dataset, stats, err := r.Parser.ParseDir(ctx, r.Cfg.Extract.Directory)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("parse: %w", err)
	}
	report.FilesProcessed = stats.FilesProcessed
	report.FilesSkipped = stats.FilesSkipped
	report.RecordsExtracted = stats.Records

	if err := r.persist(ctx, dataset, &report); err != nil {
		span.RecordError(err)
		return report, err
	}

	if r.Cfg.Reclaim.Enabled {
		res := r.Reclaimer.Reclaim(ctx, r.Cfg.Download.Directory, r.Cfg.Extract.Directory)
		report.ReclaimFailures = res.Failed
	}
	span.SetAttributes(
		attribute.Int("records", report.RecordsExtracted),
		attribute.Int("archives_skipped", report.ArchivesSkipped),
	)
	r.logReport(report)
	return report, nil
}

// acquire yields the archives to expand: freshly fetched ones, or with
// download disabled, whatever zips the download directory already holds.
func (r *Runner) acquire(ctx context.Context, report *models.RunReport) ([]models.LocalArchive, error) {
	if !r.Cfg.Download.Enabled {
		archives, err := ExistingArchives(r.Cfg.Download.Directory)
		if err != nil {
			return nil, err
		}
		report.ArchivesFound = len(archives)
		report.ArchivesFetched = len(archives)
		return archives, nil
	}

	located := r.Locator.Locate(ctx)()
	if ET.IsLeft(located) {
		_, err := ET.UnwrapError(located)
		return nil, fmt.Errorf("locate: %w", err)
	}
	refs, _ := ET.UnwrapError(located)
	report.ArchivesFound = len(refs)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fetched := r.Downloader.Fetch(ctx, refs)()
	if ET.IsLeft(fetched) {
		_, err := ET.UnwrapError(fetched)
		return nil, fmt.Errorf("download: %w", err)
	}
	res, _ := ET.UnwrapError(fetched)
	report.ArchivesFetched = len(res.Archives)
	report.ArchivesSkipped = len(res.Failed)
	return res.Archives, nil
}

func (r *Runner) persist(ctx context.Context, ds models.Dataset, report *models.RunReport) error {
	if err := write.CSV(ds, r.Cfg.Parse.OutputCSV); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	r.Logger.Infow("Dataset written", "path", r.Cfg.Parse.OutputCSV, "records", len(ds))
	if r.Cfg.Parse.OutputParquet != "" {
		if err := write.Parquet(ds, r.Cfg.Parse.OutputParquet); err != nil {
			return fmt.Errorf("write parquet: %w", err)
		}
		r.Logger.Infow("Dataset written", "path", r.Cfg.Parse.OutputParquet, "records", len(ds))
	}
	if r.Appender == nil {
		return nil
	}
	n, err := r.Appender.Append(ctx, ds)
	report.RowsLoaded = n
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	return nil
}

func (r *Runner) logReport(report models.RunReport) {
	r.Logger.Infow("Run completed",
		"archives_found", report.ArchivesFound,
		"archives_fetched", report.ArchivesFetched,
		"archives_skipped", report.ArchivesSkipped,
		"archives_expanded", report.ArchivesExpanded,
		"archives_failed", report.ArchivesFailed,
		"files_processed", report.FilesProcessed,
		"files_skipped", report.FilesSkipped,
		"records_extracted", report.RecordsExtracted,
		"rows_loaded", report.RowsLoaded,
	)
}

// ExistingArchives lists the .zip files directly inside dir.
func ExistingArchives(dir string) ([]models.LocalArchive, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	var archives []models.LocalArchive
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".zip") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		archives = append(archives, models.LocalArchive{
			Path:   path,
			Source: models.ArchiveRef{URL: "file://" + filepath.ToSlash(path), Filename: entry.Name()},
		})
	}
	return archives, nil
}
