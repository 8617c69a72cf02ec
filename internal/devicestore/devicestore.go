// Package devicestore defines the device repository consumed by the liveness
// monitor and the session manager, with a PostgreSQL implementation for
// production and an in-memory implementation for tests and storage-less
// deployments.
package devicestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a device id is unknown to the repository.
var ErrNotFound = errors.New("devicestore: device not found")

// Device is one registered edge unit. The online flag and last-heartbeat
// timestamp are mutated only by inbound heartbeats and the liveness monitor;
// devices are never deleted by this pipeline.
type Device struct {
	// ID is the stable internal identifier.
	ID string

	// ExternalID is the identifier the device itself reports (serial number,
	// provisioning id).
	ExternalID string

	// Name is a human-readable label.
	Name string

	// Online is the liveness flag as last evaluated.
	Online bool

	// LastHeartbeat is the timestamp of the most recent heartbeat.
	LastHeartbeat time.Time

	// HeartbeatInterval is how often the device is expected to report.
	HeartbeatInterval time.Duration
}

// Repo is the repository capability. All implementations must be safe for
// concurrent use.
type Repo interface {
	// GetDevice returns the device with the given id, or [ErrNotFound].
	GetDevice(ctx context.Context, id string) (Device, error)

	// ListOnline returns all devices currently flagged online.
	ListOnline(ctx context.Context) ([]Device, error)

	// UpdateHeartbeat records a heartbeat timestamp for the device.
	UpdateHeartbeat(ctx context.Context, id string, ts time.Time) error

	// SetOnline updates the device's online flag.
	SetOnline(ctx context.Context, id string, online bool) error

	// Upsert registers a device or updates its descriptive fields. Liveness
	// fields (Online, LastHeartbeat) are left untouched for existing rows.
	Upsert(ctx context.Context, d Device) error
}
