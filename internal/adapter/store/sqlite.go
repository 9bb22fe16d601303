package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"datapilot/internal/domain"
	"datapilot/internal/usecase"
)

// SQLitePlanStore implements usecase.PlanStore on a local SQLite file.
// Consume runs its checks and the delete inside one transaction so a plan
// is handed out at most once even under concurrent commits.
type SQLitePlanStore struct {
	db *sql.DB
}

// NewSQLitePlanStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLitePlanStore(dbPath string) (*SQLitePlanStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open plan db: %w", err)
	}
	// SQLite permits one writer at a time; a single connection makes
	// concurrent consumers queue instead of surfacing busy errors.
	db.SetMaxOpenConns(1)
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migratePlans(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate plan db: %w", err)
	}
	return &SQLitePlanStore{db: db}, nil
}

func migratePlans(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS plans (
			id         TEXT PRIMARY KEY,
			tool       TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}'
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLitePlanStore) Close() error {
	return s.db.Close()
}

func (s *SQLitePlanStore) Put(ctx context.Context, p *usecase.Plan) error {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("marshal plan payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO plans (id, tool, tenant_id, user_id, expires_at, payload) VALUES (?, ?, ?, ?, ?, ?)",
		p.ID, strings.ToLower(p.Tool), p.TenantID, p.UserID,
		p.ExpiresAt.UTC().Format(time.RFC3339Nano), string(payloadJSON),
	)
	return err
}

func (s *SQLitePlanStore) Consume(ctx context.Context, id, expectTool, tenantID, userID string, now time.Time) (*usecase.Plan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT id, tool, tenant_id, user_id, expires_at, payload FROM plans WHERE id = ?", id)
	p, err := scanPlan(row)
	if err != nil {
		return nil, err
	}

	if now.After(p.ExpiresAt) {
		if _, err := tx.ExecContext(ctx, "DELETE FROM plans WHERE id = ?", id); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, domain.ErrPlanExpired
	}
	if p.TenantID != tenantID {
		return nil, domain.ErrPlanTenantMismatch
	}
	if p.UserID != userID {
		return nil, domain.ErrPlanUserMismatch
	}
	if !strings.EqualFold(p.Tool, expectTool) {
		return nil, domain.ErrPlanToolMismatch
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM plans WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race to a concurrent consumer.
		return nil, domain.ErrPlanNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLitePlanStore) Discard(ctx context.Context, id, tenantID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT id, tool, tenant_id, user_id, expires_at, payload FROM plans WHERE id = ?", id)
	p, err := scanPlan(row)
	if err != nil {
		return err
	}
	if p.TenantID != tenantID {
		return domain.ErrPlanTenantMismatch
	}
	if p.UserID != userID {
		return domain.ErrPlanUserMismatch
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM plans WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLitePlanStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM plans WHERE expires_at < ?", now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanPlan(row *sql.Row) (*usecase.Plan, error) {
	var p usecase.Plan
	var expiresStr, payloadStr string
	if err := row.Scan(&p.ID, &p.Tool, &p.TenantID, &p.UserID, &expiresStr, &payloadStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrPlanNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadStr), &p.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal plan payload: %w", err)
	}
	p.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresStr)
	return &p, nil
}
