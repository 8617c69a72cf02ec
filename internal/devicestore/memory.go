package devicestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ Repo = (*InMemory)(nil)

// InMemory is a map-backed [Repo] for tests and deployments without a
// database. Safe for concurrent use.
type InMemory struct {
	mu      sync.Mutex
	devices map[string]Device
}

// NewInMemory creates an empty in-memory repository.
func NewInMemory() *InMemory {
	return &InMemory{devices: make(map[string]Device)}
}

// GetDevice implements [Repo].
func (m *InMemory) GetDevice(_ context.Context, id string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("devicestore: get %s: %w", id, ErrNotFound)
	}
	return d, nil
}

// ListOnline implements [Repo].
func (m *InMemory) ListOnline(context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		if d.Online {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateHeartbeat implements [Repo].
func (m *InMemory) UpdateHeartbeat(_ context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("devicestore: update heartbeat for %s: %w", id, ErrNotFound)
	}
	d.LastHeartbeat = ts
	m.devices[id] = d
	return nil
}

// SetOnline implements [Repo].
func (m *InMemory) SetOnline(_ context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("devicestore: set online for %s: %w", id, ErrNotFound)
	}
	d.Online = online
	m.devices[id] = d
	return nil
}

// Upsert implements [Repo].
func (m *InMemory) Upsert(_ context.Context, d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.devices[d.ID]; ok {
		existing.ExternalID = d.ExternalID
		existing.Name = d.Name
		existing.HeartbeatInterval = d.HeartbeatInterval
		m.devices[d.ID] = existing
		return nil
	}
	m.devices[d.ID] = d
	return nil
}
