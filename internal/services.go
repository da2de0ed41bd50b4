package internal

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/config"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/download"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/extract"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/locate"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/parse"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/reclaim"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/store"
)

type Services struct {
	Locator    LocatorInterface
	Downloader DownloaderInterface
	Extractor  ExtractorInterface
	Parser     ParserInterface
	Reclaimer  ReclaimerInterface
	// Store is nil unless load.enabled is set.
	Store *store.Store
}

func InitServices(
	ctx context.Context,
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Services, error) {
	l, err := locate.NewLocator(cfg, tracer, logger, meter)
	if err != nil {
		return nil, err
	}
	d, err := download.NewDownloader(cfg, tracer, logger, meter)
	if err != nil {
		return nil, err
	}
	e, err := extract.NewExtractor(cfg, tracer, logger, meter)
	if err != nil {
		return nil, err
	}
	p, err := parse.NewParser(cfg, tracer, logger, meter)
	if err != nil {
		return nil, err
	}
	r, err := reclaim.NewReclaimer(tracer, logger, meter)
	if err != nil {
		return nil, err
	}
	s := &Services{
		Locator:    l,
		Downloader: d,
		Extractor:  e,
		Parser:     p,
		Reclaimer:  r,
	}
	if cfg.Load.Enabled {
		if s.Store, err = OpenStore(ctx, cfg, tracer, logger, meter); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// OpenStore connects to the table and creates it when load.create_table is set.
func OpenStore(
	ctx context.Context,
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Load, tracer, logger, meter)
	if err != nil {
		return nil, err
	}
	if cfg.Load.CreateTable {
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return st, nil
}

func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	return s.Store.Close()
}
