package extract

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	ET "github.com/IBM/fp-go/v2/either"
	"github.com/IBM/fp-go/v2/function"
	IOE "github.com/IBM/fp-go/v2/ioeither"
	"github.com/schollz/progressbar/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/config"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/progress"
)

type Extractor struct {
	Cfg             config.Config
	DeleteAfter     bool
	progress        *progressbar.ProgressBar
	extractedFiles  int
	Logger          *zap.SugaredLogger
	Tracer          trace.Tracer
	Meter           metric.Meter
	sessionDuration metric.Int64Histogram
	filesTotal      metric.Int64Counter
	zipsTotal       metric.Int64Counter
	zipsFailed      metric.Int64Counter
	bytesTotal      metric.Int64Counter
	fileDuration    metric.Int64Histogram
}

// ExpandResult lists the archives that expanded cleanly and one
// ExpansionError per archive that did not.
type ExpandResult struct {
	Expanded []models.LocalArchive
	Failed   []error
	Files    int
}

type expansion struct {
	archive models.LocalArchive
	files   int
	err     error
}

func NewExtractor(
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Extractor, error) {
	e := &Extractor{
		DeleteAfter: cfg.Extract.DeleteAfterExtract,
		Logger:      logger,
		Tracer:      tracer,
		Meter:       meter,
		Cfg:         cfg,
	}

	var err error

	e.sessionDuration, err = meter.Int64Histogram(
		"extraction.session.duration",
		metric.WithDescription("Duration of the full extraction session"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	e.filesTotal, err = meter.Int64Counter(
		"extraction.files.total",
		metric.WithDescription("Total number of archive members written"),
	)
	if err != nil {
		return nil, err
	}

	e.zipsTotal, err = meter.Int64Counter(
		"extraction.zips.total",
		metric.WithDescription("Number of zip archives processed"),
	)
	if err != nil {
		return nil, err
	}

	e.zipsFailed, err = meter.Int64Counter(
		"extraction.zips.failed",
		metric.WithDescription("Number of zip archives that failed to extract"),
	)
	if err != nil {
		return nil, err
	}

	e.bytesTotal, err = meter.Int64Counter(
		"extraction.bytes.total",
		metric.WithDescription("Total bytes extracted"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	e.fileDuration, err = meter.Int64Histogram(
		"extraction.file.duration",
		metric.WithDescription("Duration of individual archive extraction"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return e, nil
}

// ExpandAll writes every member of every archive into the shared extract
// directory. A corrupt archive is logged and skipped; the rest still expand.
func (e *Extractor) ExpandAll(ctx context.Context, archives []models.LocalArchive) IOE.IOEither[error, ExpandResult] {
	destDir := e.Cfg.Extract.Directory
	return func() ET.Either[error, ExpandResult] {
		ctx, span := e.Tracer.Start(ctx, "extraction.session", trace.WithAttributes(
			attribute.String("directory", destDir),
			attribute.Int("archives", len(archives)),
			attribute.Bool("delete_after", e.DeleteAfter),
		))
		defer span.End()
		startTime := time.Now()
		e.Logger.Infow("Starting extraction", "archives", len(archives), "dest", destDir, "deleteAfter", e.DeleteAfter)

		if err := os.MkdirAll(destDir, 0o755); err != nil {
			span.RecordError(err)
			return ET.Left[ExpandResult](fmt.Errorf("create extract directory: %w", err))
		}
		e.zipsTotal.Add(ctx, int64(len(archives)))
		e.extractedFiles = 0
		e.progress = progress.NewCount(progress.Writer(e.Cfg.Progress), len(archives),
			fmt.Sprintf("[0 extracted] Processing %d zip files...", len(archives)))

		expandOne := func(a models.LocalArchive) IOE.IOEither[error, expansion] {
			return func() ET.Either[error, expansion] {
				if err := ctx.Err(); err != nil {
					return ET.Left[expansion](err)
				}
				n, err := e.processSingleZip(ctx, a.Path, destDir)
				if e.progress != nil {
					_ = e.progress.Add(1)
				}
				return ET.Right[error](expansion{archive: a, files: n, err: err})
			}
		}

		res := function.Pipe2(
			archives,
			IOE.TraverseArraySeq(expandOne),
			IOE.Map[error](func(xs []expansion) ExpandResult {
				var out ExpandResult
				for _, x := range xs {
					if x.err != nil {
						out.Failed = append(out.Failed, x.err)
						continue
					}
					out.Expanded = append(out.Expanded, x.archive)
					out.Files += x.files
				}
				return out
			}),
		)()

		status := "success"
		if ET.IsLeft(res) {
			status = "cancelled"
			_, err := ET.UnwrapError(res)
			span.RecordError(err)
			e.Logger.Warnw("Extraction session aborted", "error", err)
		} else if e.extractedFiles == 0 {
			status = "empty"
		}
		e.sessionDuration.Record(ctx, time.Since(startTime).Milliseconds(),
			metric.WithAttributes(attribute.String("status", status)),
		)
		if e.progress != nil {
			e.progress.Describe("Extraction complete")
			_ = e.progress.Finish()
			e.progress = nil
		}
		e.Logger.Infow("Extraction completed", "total_files", e.extractedFiles)
		return res
	}
}

// ProcessZipFile expands a single archive into destDir.
func (e *Extractor) ProcessZipFile(ctx context.Context, zipPath, destDir string) (int, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("create extract directory: %w", err)
	}
	return e.processSingleZip(ctx, zipPath, destDir)
}

func (e *Extractor) processSingleZip(ctx context.Context, zipPath, destDir string) (int, error) {
	ctx, span := e.Tracer.Start(ctx, "process.zip", trace.WithAttributes(
		attribute.String("zip_path", zipPath),
	))
	defer span.End()
	startTime := time.Now()

	n, err := e.extractZipToDir(ctx, zipPath, destDir)
	if err != nil {
		err = &models.ExpansionError{Archive: zipPath, Err: err}
		span.RecordError(err)
		e.zipsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", "extract_failed")))
		e.fileDuration.Record(ctx, time.Since(startTime).Milliseconds(),
			metric.WithAttributes(attribute.String("status", "failed")))
		e.Logger.Errorw("Archive could not be expanded, skipping", "zip", zipPath, "error", err)
		return 0, err
	}

	if e.DeleteAfter {
		if err := os.Remove(zipPath); err != nil {
			e.Logger.Warnw("Failed to delete source zip", "zip", zipPath, "error", err)
		} else {
			e.Logger.Infow("Deleted source zip", "zip", zipPath)
		}
	}
	e.fileDuration.Record(ctx, time.Since(startTime).Milliseconds(),
		metric.WithAttributes(attribute.String("status", "success")))
	return n, nil
}

func (e *Extractor) updateDescription(archive, member string) {
	if e.progress != nil {
		e.progress.Describe(fmt.Sprintf("[%d extracted] Extracting %s from %s",
			e.extractedFiles, member, filepath.Base(archive)))
	}
}

// extractZipToDir copies every member of zipPath below destDir, keeping member
// paths. Members that would land outside destDir are rejected. On failure the
// files this archive created are removed again; files that already existed
// before it are left alone.
func (e *Extractor) extractZipToDir(ctx context.Context, zipPath, destDir string) (written int, err error) {
	e.Logger.Debugw("Opening zip file", "zip", zipPath, "dest", destDir)

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open zip %s: %w", zipPath, err)
	}
	defer r.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return 0, err
	}
	e.Logger.Debugw("Zip opened", "file_count", len(r.File), "zip", zipPath)

	var created []string
	defer func() {
		if err == nil {
			return
		}
		for _, p := range created {
			_ = os.Remove(p)
		}
	}()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		e.updateDescription(zipPath, f.Name)

		destPath := filepath.Join(root, f.Name)
		if destPath != root && !strings.HasPrefix(destPath, root+string(os.PathSeparator)) {
			return written, fmt.Errorf("member %q escapes destination directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return written, fmt.Errorf("failed to create directory %s: %w", destPath, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return written, fmt.Errorf("failed to create parent directory for %s: %w", destPath, err)
		}

		if _, statErr := os.Lstat(destPath); os.IsNotExist(statErr) {
			created = append(created, destPath)
		}
		n, err := copyMember(f, destPath)
		if err != nil {
			return written, err
		}

		e.filesTotal.Add(ctx, 1)
		e.bytesTotal.Add(ctx, n)
		e.extractedFiles++
		written++
		e.Logger.Debugw("File extracted", "file", f.Name, "dest", destPath)
	}

	e.Logger.Infow("Zip extraction completed", "zip", zipPath, "files_extracted", written)
	return written, nil
}

func copyMember(f *zip.File, destPath string) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open file %s in zip: %w", f.Name, err)
	}
	defer rc.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", destPath, err)
	}
	n, err := io.Copy(destFile, rc)
	if cerr := destFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to copy file %s: %w", f.Name, err)
	}
	return n, nil
}
