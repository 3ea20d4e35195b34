package visit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gympulse/internal/adapters/storage"
	domain "gympulse/internal/domain/visit"
)

// ErrNotFound is returned when no visit matches.
var ErrNotFound = errors.New("visit not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db storage.SQLDB
}

// NewSQLiteStore creates a new visit store.
func NewSQLiteStore(db storage.SQLDB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const selectColumns = `SELECT v.id, v.member_id, m.name, m.email, v.check_in_time, v.check_out_time, v.notes, v.qr_code, v.created_at
	FROM visit v LEFT JOIN member m ON m.id = v.member_id`

type scanner func(dest ...any) error

func scanRecord(scan scanner) (domain.Record, error) {
	var r domain.Record
	var name, email, checkOut, notes, qr sql.NullString
	var checkIn, created string
	if err := scan(&r.ID, &r.MemberID, &name, &email, &checkIn, &checkOut, &notes, &qr, &created); err != nil {
		return domain.Record{}, err
	}
	r.MemberName, r.MemberEmail, r.Notes, r.QRCode = name.String, email.String, notes.String, qr.String

	var err error
	if r.CheckInTime, err = storage.ParseTime(checkIn); err != nil {
		return domain.Record{}, fmt.Errorf("failed to parse check_in_time: %w", err)
	}
	if checkOut.Valid {
		if r.CheckOutTime, err = storage.ParseTime(checkOut.String); err != nil {
			return domain.Record{}, fmt.Errorf("failed to parse check_out_time: %w", err)
		}
	}
	if r.CreatedAt, err = storage.ParseTime(created); err != nil {
		return domain.Record{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	r.Normalize()
	return r, nil
}

// GetByID retrieves a visit by its ID.
// PRE: id is non-empty
// POST: Returns the record or an error wrapping ErrNotFound
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (domain.Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE v.id = ?", id)
	r, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// OpenForMember returns the member's visit that has no check-out yet.
// POST: ok is false when the member is not checked in
func (s *SQLiteStore) OpenForMember(ctx context.Context, memberID string) (domain.Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+" WHERE v.member_id = ? AND v.check_out_time IS NULL ORDER BY v.check_in_time DESC LIMIT 1", memberID)
	r, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, false, nil
	}
	if err != nil {
		return domain.Record{}, false, err
	}
	return r, true, nil
}

// Save persists a visit.
// PRE: value has been validated
// POST: Record is persisted (insert or update)
func (s *SQLiteStore) Save(ctx context.Context, value domain.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	fields := []string{"id", "member_id", "check_in_time", "check_out_time", "notes", "qr_code", "created_at"}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(fields)), ", ")
	updates := []string{"member_id=excluded.member_id", "check_in_time=excluded.check_in_time", "check_out_time=excluded.check_out_time", "notes=excluded.notes", "qr_code=excluded.qr_code"}

	query := fmt.Sprintf(
		"INSERT INTO visit (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		strings.Join(fields, ", "),
		placeholders,
		strings.Join(updates, ", "),
	)

	created := value.CreatedAt
	if created.IsZero() {
		created = value.CheckInTime
	}

	_, err = tx.ExecContext(ctx, query,
		value.ID,
		value.MemberID,
		storage.FormatTime(value.CheckInTime),
		storage.NullableTime(value.CheckOutTime),
		nullable(value.Notes),
		nullable(value.QRCode),
		storage.FormatTime(created),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// List retrieves visits ordered by check-in time, oldest first.
// PRE: filter has valid parameters
// POST: Returns matching records; with Newest the window is taken from the
// most recent end
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]domain.Record, error) {
	query := selectColumns
	var args []any
	if !filter.Since.IsZero() {
		query += " WHERE v.check_in_time >= ?"
		args = append(args, storage.FormatTime(filter.Since))
	}
	if filter.Newest {
		query += " ORDER BY v.check_in_time DESC, v.id DESC"
	} else {
		query += " ORDER BY v.check_in_time, v.id"
	}
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if filter.Newest {
		slices.Reverse(results)
	}
	return results, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
