package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/w-protect/companion/internal/device"
	"github.com/w-protect/companion/internal/remote"
)

type capturingAlerts struct {
	saved []remote.Alert
	err   error
}

func (c *capturingAlerts) SaveAlert(_ context.Context, alert remote.Alert) (remote.Alert, error) {
	if c.err != nil {
		return remote.Alert{}, c.err
	}
	id := int64(len(c.saved) + 1)
	alert.ID = &id
	c.saved = append(c.saved, alert)
	return alert, nil
}

func newTestService(t *testing.T, remoteAlerts RemoteAlerts, locator device.Locator) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Remote:  remoteAlerts,
		Locator: locator,
		Clock:   func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestTriggerAttachesStringEncodedCoordinates(t *testing.T) {
	sink := &capturingAlerts{}
	locator := device.FuncLocator{
		PositionFunc: func(context.Context) (device.Position, error) {
			return device.Position{Latitude: -33.45, Longitude: -70.66}, nil
		},
	}
	service := newTestService(t, sink, locator)

	confirmed, err := service.Trigger(context.Background(), 7, "Alerta de pánico activada")
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if confirmed.ID == nil {
		t.Fatalf("expected confirmed alert id")
	}

	sent := sink.saved[0]
	if sent.Message != "Alerta de pánico activada" {
		t.Fatalf("expected message carried through, got %q", sent.Message)
	}
	if sent.Latitude != "-33.45" || sent.Longitude != "-70.66" {
		t.Fatalf("expected string-encoded coordinates, got %q %q", sent.Latitude, sent.Longitude)
	}
	if sent.Timestamp == "" {
		t.Fatalf("expected timestamp on alert")
	}
}

func TestTriggerStillSendsWithoutPosition(t *testing.T) {
	sink := &capturingAlerts{}
	service := newTestService(t, sink, device.FuncLocator{})

	if _, err := service.Trigger(context.Background(), 7, DefaultMessage); err != nil {
		t.Fatalf("alert must go out without coordinates: %v", err)
	}
	sent := sink.saved[0]
	if sent.Latitude != "" || sent.Longitude != "" {
		t.Fatalf("expected empty coordinates, got %q %q", sent.Latitude, sent.Longitude)
	}
}

func TestTriggerValidatesInput(t *testing.T) {
	service := newTestService(t, &capturingAlerts{}, device.FuncLocator{})

	if _, err := service.Trigger(context.Background(), 0, "help"); !errors.Is(err, ErrMissingOwner) {
		t.Fatalf("expected ErrMissingOwner, got %v", err)
	}
	if _, err := service.Trigger(context.Background(), 7, "  "); !errors.Is(err, ErrMissingMessage) {
		t.Fatalf("expected ErrMissingMessage, got %v", err)
	}
}

func TestTriggerSurfacesRemoteFailure(t *testing.T) {
	sink := &capturingAlerts{err: errors.New("backend down")}
	service := newTestService(t, sink, device.FuncLocator{})

	if _, err := service.Trigger(context.Background(), 7, DefaultMessage); err == nil {
		t.Fatalf("expected remote failure to surface")
	}
}
