package internal

import (
	"context"

	"github.com/IBM/fp-go/v2/ioeither"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/download"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/extract"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/parse"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/reclaim"
)

type LocatorInterface interface {
	Locate(ctx context.Context) ioeither.IOEither[error, []models.ArchiveRef]
}

type DownloaderInterface interface {
	Fetch(ctx context.Context, refs []models.ArchiveRef) ioeither.IOEither[error, download.FetchResult]
}

type ExtractorInterface interface {
	ExpandAll(ctx context.Context, archives []models.LocalArchive) ioeither.IOEither[error, extract.ExpandResult]
}

type ParserInterface interface {
	ParseDir(ctx context.Context, dir string) (models.Dataset, parse.AggregateStats, error)
}

type AppenderInterface interface {
	Append(ctx context.Context, ds models.Dataset) (int64, error)
}

type ReclaimerInterface interface {
	Reclaim(ctx context.Context, dirs ...string) reclaim.Result
}
