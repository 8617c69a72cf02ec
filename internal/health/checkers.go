package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Pinger is the slice of the device store used by readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DeviceStore probes the device repository. Stores without a network hop (the
// in-memory repository) can pass a nil-returning Ping.
func DeviceStore(p Pinger) Checker {
	return Checker{
		Name: "device_store",
		Check: func(ctx context.Context) error {
			return p.Ping(ctx)
		},
	}
}

// Broker reports the device channel's connection state. connected is polled on
// every /readyz request, typically bound to the MQTT client's Connected
// method.
func Broker(connected func() bool) Checker {
	return Checker{
		Name: "broker",
		Check: func(_ context.Context) error {
			if !connected() {
				return errors.New("not connected")
			}
			return nil
		},
	}
}

// Endpoint probes an HTTP dependency (the event sink or the alert webhook)
// with a HEAD request. Any response, including 4xx/5xx, counts as reachable;
// only transport failures fail the check.
func Endpoint(name, url string, client *http.Client) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("unreachable: %w", err)
			}
			resp.Body.Close()
			return nil
		},
	}
}
