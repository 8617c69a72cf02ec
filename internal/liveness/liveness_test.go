package liveness

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/futurianh1k/edgevoice/internal/devicestore"
)

// recordingAnnouncer captures every broadcast.
type recordingAnnouncer struct {
	mu   sync.Mutex
	msgs []StatusMessage
}

func (a *recordingAnnouncer) BroadcastToSubscribers(_ context.Context, _ string, message []byte) {
	var sm StatusMessage
	_ = json.Unmarshal(message, &sm)
	a.mu.Lock()
	a.msgs = append(a.msgs, sm)
	a.mu.Unlock()
}

func (a *recordingAnnouncer) messages() []StatusMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]StatusMessage(nil), a.msgs...)
}

// stickyOnlineRepo wraps an in-memory repo but keeps listing the device as
// online regardless of SetOnline calls, to exercise announce deduplication
// across sweeps.
type stickyOnlineRepo struct {
	devicestore.Repo
	device devicestore.Device
}

func (r *stickyOnlineRepo) ListOnline(context.Context) ([]devicestore.Device, error) {
	return []devicestore.Device{r.device}, nil
}

func (r *stickyOnlineRepo) SetOnline(context.Context, string, bool) error { return nil }

func TestSweep_FlipsStaleDeviceOffline(t *testing.T) {
	ctx := context.Background()
	repo := devicestore.NewInMemory()
	ann := &recordingAnnouncer{}

	_ = repo.Upsert(ctx, devicestore.Device{
		ID:            "d-1",
		Online:        true,
		LastHeartbeat: time.Now().Add(-2 * time.Minute),
	})

	m := NewMonitor(repo, ann, WithOfflineThreshold(time.Minute))
	m.SweepOnce(ctx)

	d, _ := repo.GetDevice(ctx, "d-1")
	if d.Online {
		t.Error("stale device still online after sweep")
	}
	msgs := ann.messages()
	if len(msgs) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(msgs))
	}
	if msgs[0].DeviceID != "d-1" || msgs[0].Online {
		t.Errorf("announcement = %+v", msgs[0])
	}
}

func TestSweep_FreshDeviceUntouched(t *testing.T) {
	ctx := context.Background()
	repo := devicestore.NewInMemory()
	ann := &recordingAnnouncer{}

	_ = repo.Upsert(ctx, devicestore.Device{
		ID:            "d-1",
		Online:        true,
		LastHeartbeat: time.Now(),
	})

	m := NewMonitor(repo, ann, WithOfflineThreshold(time.Minute))
	m.SweepOnce(ctx)

	d, _ := repo.GetDevice(ctx, "d-1")
	if !d.Online {
		t.Error("fresh device flipped offline")
	}
	if len(ann.messages()) != 0 {
		t.Error("unexpected broadcast for fresh device")
	}
}

func TestSweep_AnnouncesOfflineOnlyOnce(t *testing.T) {
	ctx := context.Background()
	ann := &recordingAnnouncer{}
	repo := &stickyOnlineRepo{
		Repo: devicestore.NewInMemory(),
		device: devicestore.Device{
			ID:            "d-1",
			Online:        true,
			LastHeartbeat: time.Now().Add(-5 * time.Minute),
		},
	}

	m := NewMonitor(repo, ann, WithOfflineThreshold(time.Minute))
	m.SweepOnce(ctx)
	m.SweepOnce(ctx)
	m.SweepOnce(ctx)

	if got := len(ann.messages()); got != 1 {
		t.Errorf("broadcasts across three sweeps = %d, want 1", got)
	}
}

func TestHandleHeartbeat_FlipsOfflineDeviceOnline(t *testing.T) {
	ctx := context.Background()
	repo := devicestore.NewInMemory()
	ann := &recordingAnnouncer{}

	_ = repo.Upsert(ctx, devicestore.Device{ID: "d-1", Online: false})

	m := NewMonitor(repo, ann)
	ts := time.Now()
	if err := m.HandleHeartbeat(ctx, "d-1", ts); err != nil {
		t.Fatalf("HandleHeartbeat: %v", err)
	}

	d, _ := repo.GetDevice(ctx, "d-1")
	if !d.Online {
		t.Error("device not flipped online by heartbeat")
	}
	if !d.LastHeartbeat.Equal(ts) {
		t.Error("heartbeat timestamp not recorded")
	}
	msgs := ann.messages()
	if len(msgs) != 1 || !msgs[0].Online {
		t.Errorf("announcements = %+v, want one online transition", msgs)
	}
}

func TestHandleHeartbeat_OnlineDeviceNoAnnouncement(t *testing.T) {
	ctx := context.Background()
	repo := devicestore.NewInMemory()
	ann := &recordingAnnouncer{}

	_ = repo.Upsert(ctx, devicestore.Device{ID: "d-1", Online: true})

	m := NewMonitor(repo, ann)
	if err := m.HandleHeartbeat(ctx, "d-1", time.Now()); err != nil {
		t.Fatalf("HandleHeartbeat: %v", err)
	}
	if len(ann.messages()) != 0 {
		t.Error("heartbeat for online device must not announce")
	}
}

func TestHeartbeat_ClearsDedupForNextOfflineEpisode(t *testing.T) {
	ctx := context.Background()
	repo := devicestore.NewInMemory()
	ann := &recordingAnnouncer{}
	now := time.Now()

	_ = repo.Upsert(ctx, devicestore.Device{
		ID:            "d-1",
		Online:        true,
		LastHeartbeat: now.Add(-5 * time.Minute),
	})

	m := NewMonitor(repo, ann, WithOfflineThreshold(time.Minute))

	// Episode one: offline.
	m.SweepOnce(ctx)
	// Recovery.
	if err := m.HandleHeartbeat(ctx, "d-1", now); err != nil {
		t.Fatal(err)
	}
	// Episode two: stale again.
	_ = repo.UpdateHeartbeat(ctx, "d-1", now.Add(-5*time.Minute))
	m.SweepOnce(ctx)

	msgs := ann.messages()
	// offline, online, offline
	if len(msgs) != 3 {
		t.Fatalf("broadcasts = %d, want 3", len(msgs))
	}
	if msgs[0].Online || !msgs[1].Online || msgs[2].Online {
		t.Errorf("transition sequence = %+v", msgs)
	}
}

func TestHandleHeartbeat_UnknownDevice(t *testing.T) {
	m := NewMonitor(devicestore.NewInMemory(), &recordingAnnouncer{})
	if err := m.HandleHeartbeat(context.Background(), "ghost", time.Now()); err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestMonitor_StartAndClose(t *testing.T) {
	ctx := context.Background()
	repo := devicestore.NewInMemory()
	ann := &recordingAnnouncer{}

	_ = repo.Upsert(ctx, devicestore.Device{
		ID:            "d-1",
		Online:        true,
		LastHeartbeat: time.Now().Add(-time.Hour),
	})

	m := NewMonitor(repo, ann,
		WithSweepInterval(10*time.Millisecond),
		WithOfflineThreshold(time.Minute),
	)
	m.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ann.messages()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(ann.messages()) == 0 {
		t.Error("periodic sweep never announced the stale device")
	}
}
