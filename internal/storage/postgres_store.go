package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/qmuter-tracking/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	activeStatuses  = []string{string(models.StatusEnRouteToPickup), string(models.StatusEnRouteToDropoff)}
	retiredStatuses = []string{string(models.StatusCompleted), string(models.StatusCancelled)}
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, s *models.TrackingSession) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `INSERT INTO tracking_sessions(trip_id, driver_id, rider_id, status, doc, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (trip_id) DO NOTHING`,
		s.TripID, s.DriverID, s.RiderID, string(s.Status), doc, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, tripID string) (*models.TrackingSession, error) {
	return scanSession(p.db.QueryRowContext(ctx, `SELECT doc FROM tracking_sessions WHERE trip_id=$1`, tripID))
}

func (p *PostgresStore) Update(ctx context.Context, tripID string, fn func(*models.TrackingSession) error) (*models.TrackingSession, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := scanSession(tx.QueryRowContext(ctx, `SELECT doc FROM tracking_sessions WHERE trip_id=$1 FOR UPDATE`, tripID))
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	doc, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tracking_sessions SET status=$1, doc=$2, updated_at=$3 WHERE trip_id=$4`,
		string(s.Status), doc, s.UpdatedAt, tripID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) ListActiveByUser(ctx context.Context, userID string) ([]*models.TrackingSession, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM tracking_sessions WHERE (driver_id=$1 OR rider_id=$1) AND status = ANY($2) ORDER BY updated_at DESC`,
		userID, pq.Array(activeStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.TrackingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteRetiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM tracking_sessions WHERE status = ANY($1) AND updated_at < $2`, pq.Array(retiredStatuses), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO notifications(id, user_id, type, title, message, data, read, created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, data, n.Read, n.CreatedAt)
	return err
}

func (p *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, user_id, type, title, message, data, read, created_at FROM notifications WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var (
			n    models.Notification
			typ  string
			data []byte
		)
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &data, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = models.NotificationType(typ)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.TrackingSession, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var s models.TrackingSession
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
