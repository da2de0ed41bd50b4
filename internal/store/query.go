package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
)

const selectColumns = "id, category_code, mark_identification, serial_number, case_file_owners, status, xml_filename"

// All returns every stored trademark ordered by id.
func (s *Store) All(ctx context.Context) ([]models.StoredTrademark, error) {
	return s.query(ctx, "ORDER BY id")
}

// BySerial returns the trademark with exactly this serial number.
func (s *Store) BySerial(ctx context.Context, serial string) (models.StoredTrademark, error) {
	rows, err := s.query(ctx, "WHERE serial_number = "+s.placeholder(1), serial)
	if err != nil {
		return models.StoredTrademark{}, err
	}
	if len(rows) == 0 {
		return models.StoredTrademark{}, fmt.Errorf("serial %s: %w", serial, ErrNotFound)
	}
	return rows[0], nil
}

// ByCategory returns the trademarks filed under an international class code.
func (s *Store) ByCategory(ctx context.Context, code string) ([]models.StoredTrademark, error) {
	return s.query(ctx, "WHERE category_code = "+s.placeholder(1)+" ORDER BY id", code)
}

// SearchMark matches keyword anywhere in mark_identification, ignoring case.
func (s *Store) SearchMark(ctx context.Context, keyword string) ([]models.StoredTrademark, error) {
	pattern := "%" + escapeLike(strings.ToLower(keyword)) + "%"
	return s.query(ctx,
		"WHERE LOWER(mark_identification) LIKE "+s.placeholder(1)+` ESCAPE '\' ORDER BY id`,
		pattern)
}

func (s *Store) query(ctx context.Context, where string, args ...any) ([]models.StoredTrademark, error) {
	ctx, span := s.Tracer.Start(ctx, "store.query")
	defer span.End()

	q := fmt.Sprintf("SELECT %s FROM %s %s", selectColumns, s.Table, where)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query %s: %w", s.Table, err)
	}
	defer rows.Close()

	var out []models.StoredTrademark
	for rows.Next() {
		var (
			t    models.StoredTrademark
			cols [6]sql.NullString
		)
		if err := rows.Scan(&t.ID, &cols[0], &cols[1], &cols[2], &cols[3], &cols[4], &cols[5]); err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.Table, err)
		}
		t.CategoryCode = ptr(cols[0])
		t.MarkIdentification = ptr(cols[1])
		t.SerialNumber = ptr(cols[2])
		t.CaseFileOwners = ptr(cols[3])
		t.Status = ptr(cols[4])
		t.XMLFilename = ptr(cols[5])
		out = append(out, t)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("iterate %s: %w", s.Table, err)
	}
	return out, nil
}

func ptr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}
