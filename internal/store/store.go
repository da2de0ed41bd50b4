package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/fp-go/v2/option"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/config"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/write"
)

var ErrNotFound = errors.New("trademark not found")

// Store appends datasets to, and reads back from, the trademarks table.
type Store struct {
	DB           *sql.DB
	Driver       string
	Table        string
	BatchSize    int
	Logger       *zap.SugaredLogger
	Tracer       trace.Tracer
	rowsTotal    metric.Int64Counter
	batchesTotal metric.Int64Counter
	loadDuration metric.Int64Histogram
}

// Open connects with the configured driver ("pgx" or "sqlite") and pings.
func Open(
	ctx context.Context,
	cfg config.Load,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Store, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		// sqlite typically wants 1 writer
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Driver, err)
	}
	return New(db, cfg, tracer, logger, meter)
}

// New wraps an existing connection pool.
func New(
	db *sql.DB,
	cfg config.Load,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Store, error) {
	s := &Store{
		DB:        db,
		Driver:    cfg.Driver,
		Table:     cfg.Table,
		BatchSize: cfg.BatchSize,
		Logger:    logger,
		Tracer:    tracer,
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 1000
	}

	var err error
	s.rowsTotal, err = meter.Int64Counter(
		"load.rows.total",
		metric.WithDescription("Rows appended to the trademarks table"),
	)
	if err != nil {
		return nil, err
	}
	s.batchesTotal, err = meter.Int64Counter(
		"load.batches.total",
		metric.WithDescription("Multi-row INSERT statements executed"),
	)
	if err != nil {
		return nil, err
	}
	s.loadDuration, err = meter.Int64Histogram(
		"load.session.duration",
		metric.WithDescription("Duration of a table append"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// EnsureSchema creates the table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	id := "id SERIAL PRIMARY KEY"
	if s.Driver == "sqlite" {
		id = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	category_code TEXT,
	mark_identification TEXT,
	serial_number TEXT UNIQUE,
	case_file_owners TEXT,
	status TEXT,
	xml_filename TEXT
)`, s.Table, id)
	if _, err := s.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.Table, err)
	}
	return nil
}

// Append inserts ds in multi-row batches of BatchSize. Each batch commits on
// its own: on failure the returned LoadError says how many rows earlier
// batches already wrote. Callers needing all-or-nothing must wrap the call
// in their own transaction.
func (s *Store) Append(ctx context.Context, ds models.Dataset) (int64, error) {
	ctx, span := s.Tracer.Start(ctx, "load.append", trace.WithAttributes(
		attribute.String("table", s.Table),
		attribute.Int("rows", len(ds)),
		attribute.Int("batch_size", s.BatchSize),
	))
	defer span.End()
	start := time.Now()
	s.Logger.Infow("Appending dataset to table", "table", s.Table, "rows", len(ds), "batch_size", s.BatchSize)

	var committed int64
	for batch, lo := 0, 0; lo < len(ds); batch, lo = batch+1, lo+s.BatchSize {
		hi := min(lo+s.BatchSize, len(ds))
		query, args := s.insertStatement(ds[lo:hi])
		res, err := s.DB.ExecContext(ctx, query, args...)
		if err != nil {
			loadErr := &models.LoadError{Batch: batch, RowsCommitted: committed, Err: describe(err)}
			span.RecordError(loadErr)
			s.Logger.Errorw("Table append failed", "table", s.Table, "batch", batch, "rows_committed", committed, "error", err)
			s.loadDuration.Record(ctx, time.Since(start).Milliseconds(),
				metric.WithAttributes(attribute.String("status", "failed")))
			return committed, loadErr
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = int64(hi - lo)
		}
		committed += n
		s.batchesTotal.Add(ctx, 1)
		s.rowsTotal.Add(ctx, n)
		s.Logger.Debugw("Batch inserted", "batch", batch, "rows", n)
	}

	s.loadDuration.Record(ctx, time.Since(start).Milliseconds(),
		metric.WithAttributes(attribute.String("status", "success")))
	s.Logger.Infow("Table append completed", "table", s.Table, "rows", committed)
	return committed, nil
}

func (s *Store) insertStatement(rows models.Dataset) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", s.Table, strings.Join(write.Columns, ", "))
	args := make([]any, 0, len(rows)*len(write.Columns))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range write.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(s.placeholder(len(args) + j + 1))
		}
		b.WriteByte(')')
		args = append(args,
			nullable(r.CategoryCode),
			nullable(r.MarkIdentification),
			nullable(r.SerialNumber),
			r.CaseFileOwners,
			nullable(r.Status),
			r.SourceFilename,
		)
	}
	return b.String(), args
}

func (s *Store) placeholder(n int) string {
	if s.Driver == "sqlite" {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

// nullable maps an absent value to SQL NULL.
func nullable(o option.Option[string]) sql.NullString {
	return sql.NullString{String: models.Text(o), Valid: option.IsSome(o)}
}

// describe adds the postgres constraint to unique violations, the common
// failure when a run overlaps archives that were already loaded.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("duplicate key violates %s: %w", pgErr.ConstraintName, err)
	}
	return err
}
