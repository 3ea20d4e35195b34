package member

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gympulse/internal/adapters/storage"
	domain "gympulse/internal/domain/member"
)

// ErrNotFound is returned when no member matches.
var ErrNotFound = errors.New("member not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db storage.SQLDB
}

// NewSQLiteStore creates a new MemberStore.
func NewSQLiteStore(db storage.SQLDB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const selectColumns = "SELECT id, name, email, qr_code, status FROM member"

func (s *SQLiteStore) getOne(ctx context.Context, where string, arg any) (domain.Member, error) {
	var m domain.Member
	err := s.db.QueryRowContext(ctx, selectColumns+" WHERE "+where, arg).
		Scan(&m.ID, &m.Name, &m.Email, &m.QRCode, &m.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Member{}, fmt.Errorf("%w: %v", ErrNotFound, arg)
	}
	return m, err
}

// GetByID retrieves a Member by its ID.
// PRE: id is non-empty
// POST: Returns the entity or an error wrapping ErrNotFound
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (domain.Member, error) {
	return s.getOne(ctx, "id = ?", id)
}

// GetByQRCode retrieves the Member a QR code was issued to.
// PRE: code is non-empty
func (s *SQLiteStore) GetByQRCode(ctx context.Context, code string) (domain.Member, error) {
	return s.getOne(ctx, "qr_code = ?", code)
}

// Save persists a Member to the database.
// PRE: entity has been validated
// POST: Entity is persisted (insert or update)
func (s *SQLiteStore) Save(ctx context.Context, entity domain.Member) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	fields := []string{"id", "name", "email", "qr_code", "status"}
	updates := []string{"name=excluded.name", "email=excluded.email", "qr_code=excluded.qr_code", "status=excluded.status"}
	query := fmt.Sprintf(
		"INSERT INTO member (%s) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO UPDATE SET %s",
		strings.Join(fields, ", "),
		strings.Join(updates, ", "),
	)
	if _, err := tx.ExecContext(ctx, query, entity.ID, entity.Name, entity.Email, entity.QRCode, entity.Status); err != nil {
		return err
	}
	return tx.Commit()
}

// List retrieves Members ordered by name.
// PRE: filter has valid parameters
// POST: Returns matching entities
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]domain.Member, error) {
	query := selectColumns
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY name, id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ID, &m.Name, &m.Email, &m.QRCode, &m.Status); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// Count returns the number of stored members.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM member").Scan(&n)
	return n, err
}
