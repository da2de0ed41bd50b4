package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	ET "github.com/IBM/fp-go/v2/either"
	"github.com/IBM/fp-go/v2/function"
	IOE "github.com/IBM/fp-go/v2/ioeither"
	"github.com/IBM/fp-go/v2/ioeither/file"
	Http "github.com/IBM/fp-go/v2/ioeither/http"
	"github.com/schollz/progressbar/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/config"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/progress"
)

type Downloader struct {
	Cfg                     config.Config
	Client                  *http.Client
	progress                *progressbar.ProgressBar
	Logger                  *zap.SugaredLogger
	Tracer                  trace.Tracer
	Meter                   metric.Meter
	downloadSessionDuration metric.Int64Histogram
	downloadFilesTotal      metric.Int64Counter
	downloadFilesSuccess    metric.Int64Counter
	downloadFilesFailed     metric.Int64Counter
	downloadBytesTotal      metric.Int64Counter
	downloadFileDuration    metric.Int64Histogram
}

// FetchResult holds the archives now on scratch storage and one FetchError
// per archive that was skipped.
type FetchResult struct {
	Archives []models.LocalArchive
	Failed   []error
}

// outcome is the per-archive result; a failed download is data, not a Left.
type outcome struct {
	archive models.LocalArchive
	err     error
}

func NewDownloader(
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Downloader, error) {
	d := &Downloader{
		Cfg:    cfg,
		Client: &http.Client{Timeout: cfg.Server.Timeout},
		Tracer: tracer,
		Logger: logger,
		Meter:  meter,
	}

	var err error
	d.downloadSessionDuration, err = d.Meter.Int64Histogram(
		"download.session.duration",
		metric.WithDescription("Duration of bulk download session"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	d.downloadFilesTotal, err = d.Meter.Int64Counter(
		"download.files.total",
		metric.WithDescription("Total number of archives requested"),
	)
	if err != nil {
		return nil, err
	}

	d.downloadFilesSuccess, err = d.Meter.Int64Counter(
		"download.files.success",
		metric.WithDescription("Number of archives downloaded or reused"),
	)
	if err != nil {
		return nil, err
	}

	d.downloadFilesFailed, err = d.Meter.Int64Counter(
		"download.files.failed",
		metric.WithDescription("Number of archives skipped after a failed download"),
	)
	if err != nil {
		return nil, err
	}

	d.downloadBytesTotal, err = d.Meter.Int64Counter(
		"download.bytes.total",
		metric.WithDescription("Total bytes actually downloaded"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	d.downloadFileDuration, err = d.Meter.Int64Histogram(
		"download.file.duration",
		metric.WithDescription("Duration of individual archive download"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// Fetch downloads refs one after another into the download directory. An
// archive that fails is logged and left out; only cancellation or an
// unusable download directory fails the whole batch.
func (d *Downloader) Fetch(ctx context.Context, refs []models.ArchiveRef) IOE.IOEither[error, FetchResult] {
	dir := d.Cfg.Download.Directory
	return func() ET.Either[error, FetchResult] {
		ctx, span := d.Tracer.Start(ctx, "download.session", trace.WithAttributes(
			attribute.String("directory", dir),
			attribute.Int("archives", len(refs)),
		))
		defer span.End()
		startTime := time.Now()
		d.Logger.Infow("Starting archive download session", "archives", len(refs), "dir", dir)

		if err := os.MkdirAll(dir, 0o755); err != nil {
			span.RecordError(err)
			return ET.Left[FetchResult](fmt.Errorf("create download directory: %w", err))
		}
		d.downloadFilesTotal.Add(ctx, int64(len(refs)))
		d.progress = progress.NewBytes(progress.Writer(d.Cfg.Progress), -1,
			fmt.Sprintf("[0/%d] Downloading archives...", len(refs)))

		client := Http.MakeClient(d.Client)
		completed := 0
		fetchOne := func(ref models.ArchiveRef) IOE.IOEither[error, outcome] {
			return func() ET.Either[error, outcome] {
				if err := ctx.Err(); err != nil {
					return ET.Left[outcome](err)
				}
				res := d.DownloadFile(ctx, client, ref)()
				completed++
				d.progress.Describe(fmt.Sprintf("[%d/%d] Downloading archives...", completed, len(refs)))
				return ET.Of[error](ET.Fold(
					func(err error) outcome { return outcome{err: err} },
					func(a models.LocalArchive) outcome { return outcome{archive: a} },
				)(res))
			}
		}

		res := function.Pipe2(
			refs,
			IOE.TraverseArraySeq(fetchOne),
			IOE.Map[error](func(outcomes []outcome) FetchResult {
				var out FetchResult
				for _, o := range outcomes {
					if o.err != nil {
						out.Failed = append(out.Failed, o.err)
						continue
					}
					out.Archives = append(out.Archives, o.archive)
				}
				return out
			}),
		)()

		if d.progress != nil {
			d.progress.Describe("Download complete")
			_ = d.progress.Finish()
			d.progress = nil
		}
		status := "success"
		if ET.IsLeft(res) {
			status = "cancelled"
			_, err := ET.UnwrapError(res)
			span.RecordError(err)
			d.Logger.Warnw("Download session aborted", "error", err)
		}
		d.downloadSessionDuration.Record(ctx, time.Since(startTime).Milliseconds(),
			metric.WithAttributes(attribute.String("status", status)),
		)
		return res
	}
}

// DownloadFile streams one archive to <dir>/<filename>. The body goes to a
// .part file that is renamed only once fully written.
func (d *Downloader) DownloadFile(
	ctx context.Context,
	client Http.Client,
	ref models.ArchiveRef,
) IOE.IOEither[error, models.LocalArchive] {
	return func() ET.Either[error, models.LocalArchive] {
		startTime := time.Now()
		ctx, span := d.Tracer.Start(ctx, "download.file", trace.WithAttributes(
			attribute.String("file.name", ref.Filename),
			attribute.String("file.url", ref.URL),
		))
		defer span.End()

		dest := filepath.Join(d.Cfg.Download.Directory, filepath.Base(ref.Filename))
		local := models.LocalArchive{Path: dest, Source: ref}
		if d.Cfg.Download.SkipExists {
			if fi, err := os.Stat(dest); err == nil && fi.Mode().IsRegular() && fi.Size() > 0 {
				span.SetAttributes(attribute.Bool("skipped", true))
				d.Logger.Infow("Archive already present, reusing", "file", ref.Filename, "path", dest)
				d.downloadFilesSuccess.Add(ctx, 1, metric.WithAttributes(attribute.String("method", "skip")))
				return ET.Right[error](local)
			}
		}

		partial := dest + ".part"
		request := IOE.TryCatchError(func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
			if err != nil {
				return nil, err
			}
			if d.Cfg.Server.UserAgent != "" {
				req.Header.Set("User-Agent", d.Cfg.Server.UserAgent)
			}
			return req, nil
		})
		program := IOE.Bracket(
			client.Do(request),
			func(resp *http.Response) IOE.IOEither[error, int64] {
				if resp.StatusCode != http.StatusOK {
					return IOE.Left[int64](error(&models.FetchError{
						Filename: ref.Filename,
						Status:   resp.StatusCode,
					}))
				}
				return IOE.Bracket(
					file.Create(partial),
					func(f *os.File) IOE.IOEither[error, int64] {
						var writer io.Writer = f
						if d.progress != nil {
							writer = io.MultiWriter(f, d.progress)
						}
						return IOE.TryCatchError(func() (int64, error) {
							return io.Copy(writer, resp.Body)
						})
					},
					func(f *os.File, _ ET.Either[error, int64]) IOE.IOEither[error, any] {
						return IOE.TryCatchError(func() (any, error) { return nil, f.Close() })
					},
				)
			},
			func(resp *http.Response, _ ET.Either[error, int64]) IOE.IOEither[error, any] {
				return IOE.TryCatchError(func() (any, error) { return nil, resp.Body.Close() })
			},
		)

		res := program()
		durationMs := time.Since(startTime).Milliseconds()
		if ET.IsLeft(res) {
			_, err := ET.UnwrapError(res)
			_ = os.Remove(partial)
			var fe *models.FetchError
			if !errors.As(err, &fe) {
				err = &models.FetchError{Filename: ref.Filename, Err: err}
			}
			span.RecordError(err)
			d.Logger.Warnw("Archive download failed, skipping", "file", ref.Filename, "url", ref.URL, "error", err)
			d.downloadFilesFailed.Add(ctx, 1)
			d.downloadFileDuration.Record(ctx, durationMs,
				metric.WithAttributes(attribute.String("status", "failed")))
			return ET.Left[models.LocalArchive](err)
		}
		size, _ := ET.UnwrapError(res)
		if err := os.Rename(partial, dest); err != nil {
			_ = os.Remove(partial)
			d.downloadFilesFailed.Add(ctx, 1)
			return ET.Left[models.LocalArchive](error(&models.FetchError{Filename: ref.Filename, Err: err}))
		}
		span.SetAttributes(attribute.Int64("file.size_bytes", size))
		d.Logger.Infow("Archive downloaded", "file", ref.Filename, "bytes", size, "path", dest)
		d.downloadFilesSuccess.Add(ctx, 1, metric.WithAttributes(attribute.String("method", "download")))
		d.downloadBytesTotal.Add(ctx, size)
		d.downloadFileDuration.Record(ctx, durationMs,
			metric.WithAttributes(attribute.String("status", "success")))
		return ET.Right[error](local)
	}
}
