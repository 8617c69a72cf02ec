package wsfeed

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/futurianh1k/edgevoice/internal/relay"
	relaymock "github.com/futurianh1k/edgevoice/internal/relay/mock"
)

func newTestServer(t *testing.T) (*relay.Relay, string) {
	t.Helper()
	r := relay.New(&relaymock.Bus{})
	h := NewHandler(r, WithAcceptOptions(&websocket.AcceptOptions{InsecureSkipVerify: true}))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// waitFor polls cond until it returns true or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubscribeAndReceiveBroadcast(t *testing.T) {
	r, url := newTestServer(t)
	conn := dial(t, url+"?subscriber_id=sub-a")
	ctx := context.Background()

	waitFor(t, 2*time.Second, func() bool { return r.SubscriberCount() == 1 })

	if err := conn.Write(ctx, websocket.MessageText,
		[]byte(`{"op":"subscribe","device_id":"dev-1"}`)); err != nil {
		t.Fatalf("write control frame: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return r.InterestCount("dev-1") == 1 })

	r.BroadcastToSubscribers(ctx, "dev-1", []byte(`{"type":"utterance"}`))

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if string(data) != `{"type":"utterance"}` {
		t.Errorf("received %s", data)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r, url := newTestServer(t)
	conn := dial(t, url+"?subscriber_id=sub-a")
	ctx := context.Background()

	waitFor(t, 2*time.Second, func() bool { return r.SubscriberCount() == 1 })

	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"op":"subscribe","device_id":"dev-1"}`))
	waitFor(t, 2*time.Second, func() bool { return r.InterestCount("dev-1") == 1 })

	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"op":"unsubscribe","device_id":"dev-1"}`))
	waitFor(t, 2*time.Second, func() bool { return r.InterestCount("dev-1") == 0 })
}

func TestMalformedControlFrameIgnored(t *testing.T) {
	r, url := newTestServer(t)
	conn := dial(t, url+"?subscriber_id=sub-a")
	ctx := context.Background()

	waitFor(t, 2*time.Second, func() bool { return r.SubscriberCount() == 1 })

	// Malformed and unknown frames must not kill the connection.
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{broken`))
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"op":"dance"}`))
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"op":"subscribe","device_id":"dev-1"}`))

	waitFor(t, 2*time.Second, func() bool { return r.InterestCount("dev-1") == 1 })
}

func TestDisconnectCleansUpSubscriptions(t *testing.T) {
	r, url := newTestServer(t)
	conn := dial(t, url+"?subscriber_id=sub-a")
	ctx := context.Background()

	waitFor(t, 2*time.Second, func() bool { return r.SubscriberCount() == 1 })
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"op":"subscribe","device_id":"dev-1"}`))
	waitFor(t, 2*time.Second, func() bool { return r.InterestCount("dev-1") == 1 })

	_ = conn.Close(websocket.StatusNormalClosure, "done")

	waitFor(t, 2*time.Second, func() bool {
		return r.SubscriberCount() == 0 && r.InterestCount("dev-1") == 0
	})
}

func TestGeneratedSubscriberID(t *testing.T) {
	r, url := newTestServer(t)
	_ = dial(t, url) // no subscriber_id parameter

	waitFor(t, 2*time.Second, func() bool { return r.SubscriberCount() == 1 })
}
