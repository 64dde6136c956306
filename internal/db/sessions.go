package db

import (
	"context"
	"time"
)

// SessionState is the persisted lifecycle state of a SessionRecord.
type SessionState string

const (
	StateInitial      SessionState = "initial"
	StateInitializing SessionState = "initializing"
	StateReady        SessionState = "ready"
	StateFailed       SessionState = "failed"
)

// SessionRecord is the persistent row backing a gateway session.
//
// servers_json and credentials_json are opaque JSON blobs from the
// store's point of view; callers (internal/session) own their shape.
type SessionRecord struct {
	ID              string       `db:"id"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
	State           SessionState `db:"state"`
	ServersJSON     string       `db:"servers_json"`
	CredentialsJSON string       `db:"credentials_json"`
}

type SessionDAO interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	UpdateSessionState(ctx context.Context, id string, state SessionState, updatedAt time.Time) error
	ListSessionsByState(ctx context.Context, state SessionState) ([]SessionRecord, error)

	// Ping reports whether the store is reachable, for the health check.
	Ping(ctx context.Context) error
}

func (d *dao) CreateSession(ctx context.Context, rec SessionRecord) error {
	const query = `
		INSERT INTO sessions (id, created_at, updated_at, state, servers_json, credentials_json)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := d.db.ExecContext(ctx, query,
		rec.ID, rec.CreatedAt, rec.UpdatedAt, rec.State, rec.ServersJSON, rec.CredentialsJSON)
	return err
}

func (d *dao) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	const query = `
		SELECT id, created_at, updated_at, state, servers_json, credentials_json
		FROM sessions WHERE id = $1`

	var rec SessionRecord
	if err := d.db.GetContext(ctx, &rec, query, id); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *dao) UpdateSessionState(ctx context.Context, id string, state SessionState, updatedAt time.Time) error {
	const query = `UPDATE sessions SET state = $2, updated_at = $3 WHERE id = $1`

	_, err := d.db.ExecContext(ctx, query, id, state, updatedAt)
	return err
}

func (d *dao) ListSessionsByState(ctx context.Context, state SessionState) ([]SessionRecord, error) {
	const query = `
		SELECT id, created_at, updated_at, state, servers_json, credentials_json
		FROM sessions WHERE state = $1`

	var recs []SessionRecord
	if err := d.db.SelectContext(ctx, &recs, query, state); err != nil {
		return nil, err
	}
	return recs, nil
}
