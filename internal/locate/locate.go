package locate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	ET "github.com/IBM/fp-go/v2/either"
	"github.com/IBM/fp-go/v2/function"
	IOE "github.com/IBM/fp-go/v2/ioeither"
	Http "github.com/IBM/fp-go/v2/ioeither/http"
	"github.com/IBM/fp-go/v2/retry"
	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/config"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
	T "github.com/Qubut/IP-Claim/packages/tm_ingest/internal/typing"
)

type Locator struct {
	Cfg          config.Config
	Client       *http.Client
	Logger       *zap.SugaredLogger
	Tracer       trace.Tracer
	Meter        metric.Meter
	pattern      *regexp.Regexp
	linksTotal   metric.Int64Counter
	matchedTotal metric.Int64Counter
}

func NewLocator(
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Locator, error) {
	pattern, err := regexp.Compile(cfg.Locate.Pattern)
	if err != nil {
		return nil, fmt.Errorf("compile locate pattern: %w", err)
	}
	l := &Locator{
		Cfg:     cfg,
		Client:  &http.Client{Timeout: cfg.Server.Timeout},
		Logger:  logger,
		Tracer:  tracer,
		Meter:   meter,
		pattern: pattern,
	}
	l.linksTotal, err = meter.Int64Counter(
		"locate.links.total",
		metric.WithDescription("Hyperlinks found in the archive listing"),
	)
	if err != nil {
		return nil, err
	}
	l.matchedTotal, err = meter.Int64Counter(
		"locate.archives.matched",
		metric.WithDescription("Listing links accepted as archives"),
	)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Locate reads the listing page and returns the archives it links to that
// match the configured pattern and date bounds, in listing order.
func (l *Locator) Locate(ctx context.Context) IOE.IOEither[error, []models.ArchiveRef] {
	listing := l.Cfg.Server.ListingURL
	return func() ET.Either[error, []models.ArchiveRef] {
		ctx, span := l.Tracer.Start(ctx, "locate.session", trace.WithAttributes(
			attribute.String("listing_url", listing),
			attribute.String("pattern", l.pattern.String()),
		))
		defer span.End()

		base, err := url.Parse(listing)
		if err != nil {
			span.RecordError(err)
			return ET.Left[[]models.ArchiveRef](error(&models.DiscoveryError{URL: listing, Err: err}))
		}
		l.Logger.Infow("Reading archive listing", "url", listing)

		policy := retry.Monoid.Concat(
			retry.LimitRetries(uint(l.Cfg.Server.MaxRetries)),
			retry.ExponentialBackoff(50*time.Millisecond),
		)
		shouldRetry := ET.Fold(
			func(err error) bool {
				if ctx.Err() != nil {
					return false
				}
				var de *models.DiscoveryError
				retryable := !errors.As(err, &de) || de.Status == 0 || de.Status >= 500
				if retryable {
					l.Logger.Warnw("Listing request failed, retrying", "url", listing, "error", err)
				}
				return retryable
			},
			function.Constant1[*goquery.Document](false),
		)
		program := function.Pipe3(
			IOE.Retrying(policy, func(_ retry.RetryStatus) IOE.IOEither[error, *goquery.Document] {
				return l.fetchListing(ctx, listing)
			}, shouldRetry),
			IOE.MapLeft[*goquery.Document](func(err error) error {
				var de *models.DiscoveryError
				if errors.As(err, &de) {
					return err
				}
				return &models.DiscoveryError{URL: listing, Err: err}
			}),
			IOE.Map[error](func(doc *goquery.Document) []models.ArchiveRef {
				return l.Select(base, doc)
			}),
			IOE.Tap(func(refs []models.ArchiveRef) IOE.IOEither[error, T.Unit] {
				l.matchedTotal.Add(ctx, int64(len(refs)))
				span.SetAttributes(attribute.Int("archives", len(refs)))
				l.Logger.Infow("Archives located", "count", len(refs), "url", listing)
				return IOE.Of[error](T.Unit{})
			}),
		)
		res := program()
		if ET.IsLeft(res) {
			_, err := ET.UnwrapError(res)
			span.RecordError(err)
			l.Logger.Errorw("Archive discovery failed", "url", listing, "error", err)
		}
		return res
	}
}

func (l *Locator) fetchListing(ctx context.Context, listing string) IOE.IOEither[error, *goquery.Document] {
	client := Http.MakeClient(l.Client)
	request := IOE.TryCatchError(func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, listing, nil)
		if err != nil {
			return nil, err
		}
		if l.Cfg.Server.UserAgent != "" {
			req.Header.Set("User-Agent", l.Cfg.Server.UserAgent)
		}
		return req, nil
	})
	return IOE.Bracket(
		client.Do(request),
		func(resp *http.Response) IOE.IOEither[error, *goquery.Document] {
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return IOE.Left[*goquery.Document](
					error(&models.DiscoveryError{URL: listing, Status: resp.StatusCode}),
				)
			}
			return IOE.TryCatchError(func() (*goquery.Document, error) {
				doc, err := goquery.NewDocumentFromReader(resp.Body)
				if err != nil {
					return nil, &models.DiscoveryError{URL: listing, Err: err}
				}
				return doc, nil
			})
		},
		func(resp *http.Response, _ ET.Either[error, *goquery.Document]) IOE.IOEither[error, any] {
			return IOE.TryCatchError(func() (any, error) { return nil, resp.Body.Close() })
		},
	)
}

// Select resolves every anchor of doc against base and keeps the matching
// archives. Repeated links are returned once.
func (l *Locator) Select(base *url.URL, doc *goquery.Document) []models.ArchiveRef {
	seen := map[string]bool{}
	var refs []models.ArchiveRef
	links := 0
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		links++
		u, err := url.Parse(href)
		if err != nil {
			l.Logger.Debugw("Skipping unparsable link", "href", href, "error", err)
			return
		}
		abs := base.ResolveReference(u)
		name := path.Base(abs.Path)
		if !l.Match(name) || seen[abs.String()] {
			return
		}
		seen[abs.String()] = true
		refs = append(refs, models.ArchiveRef{URL: abs.String(), Filename: name})
	})
	l.linksTotal.Add(context.Background(), int64(links))
	return refs
}

// Match reports whether an archive filename passes the pattern and, when
// configured, the from/to bounds on its first capture group.
func (l *Locator) Match(name string) bool {
	m := l.pattern.FindStringSubmatch(name)
	if m == nil {
		return false
	}
	from, to := l.Cfg.Locate.From, l.Cfg.Locate.To
	if from == "" && to == "" {
		return true
	}
	if len(m) < 2 {
		return false
	}
	key := m[1]
	if from != "" && (len(key) != len(from) || key < from) {
		return false
	}
	if to != "" && (len(key) != len(to) || key > to) {
		return false
	}
	return true
}
