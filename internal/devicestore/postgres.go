package devicestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Repo = (*PostgresStore)(nil)

const ddlDevices = `
CREATE TABLE IF NOT EXISTS devices (
    id                    TEXT         PRIMARY KEY,
    external_id           TEXT         NOT NULL DEFAULT '',
    name                  TEXT         NOT NULL DEFAULT '',
    online                BOOLEAN      NOT NULL DEFAULT FALSE,
    last_heartbeat        TIMESTAMPTZ  NOT NULL DEFAULT 'epoch',
    heartbeat_interval_ns BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_devices_online
    ON devices (online);

CREATE INDEX IF NOT EXISTS idx_devices_external_id
    ON devices (external_id);
`

// PostgresStore is the PostgreSQL-backed device repository. All operations
// are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn, verifies the connection,
// and runs [Migrate] to ensure the devices table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("devicestore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("devicestore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("devicestore: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the devices table and its indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlDevices); err != nil {
		return fmt.Errorf("devicestore: apply devices DDL: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, for readiness checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetDevice implements [Repo].
func (s *PostgresStore) GetDevice(ctx context.Context, id string) (Device, error) {
	const q = `
		SELECT id, external_id, name, online, last_heartbeat, heartbeat_interval_ns
		FROM   devices
		WHERE  id = $1`

	var (
		d          Device
		intervalNS int64
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&d.ID, &d.ExternalID, &d.Name, &d.Online, &d.LastHeartbeat, &intervalNS,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, fmt.Errorf("devicestore: get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Device{}, fmt.Errorf("devicestore: get %s: %w", id, err)
	}
	d.HeartbeatInterval = time.Duration(intervalNS)
	return d, nil
}

// ListOnline implements [Repo].
func (s *PostgresStore) ListOnline(ctx context.Context) ([]Device, error) {
	const q = `
		SELECT id, external_id, name, online, last_heartbeat, heartbeat_interval_ns
		FROM   devices
		WHERE  online
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("devicestore: list online: %w", err)
	}
	devices, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Device, error) {
		var (
			d          Device
			intervalNS int64
		)
		if err := row.Scan(&d.ID, &d.ExternalID, &d.Name, &d.Online, &d.LastHeartbeat, &intervalNS); err != nil {
			return Device{}, err
		}
		d.HeartbeatInterval = time.Duration(intervalNS)
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("devicestore: scan online devices: %w", err)
	}
	return devices, nil
}

// UpdateHeartbeat implements [Repo].
func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, id string, ts time.Time) error {
	const q = `UPDATE devices SET last_heartbeat = $2 WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id, ts)
	if err != nil {
		return fmt.Errorf("devicestore: update heartbeat for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("devicestore: update heartbeat for %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetOnline implements [Repo].
func (s *PostgresStore) SetOnline(ctx context.Context, id string, online bool) error {
	const q = `UPDATE devices SET online = $2 WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id, online)
	if err != nil {
		return fmt.Errorf("devicestore: set online for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("devicestore: set online for %s: %w", id, ErrNotFound)
	}
	return nil
}

// Upsert implements [Repo]. Descriptive fields are updated on conflict;
// liveness fields keep their stored values.
func (s *PostgresStore) Upsert(ctx context.Context, d Device) error {
	const q = `
		INSERT INTO devices (id, external_id, name, online, last_heartbeat, heartbeat_interval_ns)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    external_id           = EXCLUDED.external_id,
		    name                  = EXCLUDED.name,
		    heartbeat_interval_ns = EXCLUDED.heartbeat_interval_ns`

	_, err := s.pool.Exec(ctx, q,
		d.ID, d.ExternalID, d.Name, d.Online, d.LastHeartbeat, d.HeartbeatInterval.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("devicestore: upsert %s: %w", d.ID, err)
	}
	return nil
}
