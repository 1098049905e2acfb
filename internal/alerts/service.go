// Package alerts dispatches location-bearing emergency alerts to the
// backend, which relays them to the owner's emergency contacts.
package alerts

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/w-protect/companion/internal/device"
	"github.com/w-protect/companion/internal/remote"
)

const (
	// DefaultMessage mirrors the panic-button preset of the mobile app.
	DefaultMessage = "Emergency alert activated"

	positionTimeout = 20 * time.Second
)

var (
	// ErrMissingMessage indicates an alert without any message text.
	ErrMissingMessage = errors.New("alerts: message is required")
	// ErrMissingOwner indicates an alert without an owning user.
	ErrMissingOwner = errors.New("alerts: owner id is required")

	errMissingRemote  = errors.New("alerts: remote client is required")
	errMissingLocator = errors.New("alerts: locator is required")
)

// RemoteAlerts is the backend surface this service consumes.
type RemoteAlerts interface {
	SaveAlert(ctx context.Context, alert remote.Alert) (remote.Alert, error)
}

// ServiceConfig describes the dependencies required to build a Service.
type ServiceConfig struct {
	Remote  RemoteAlerts
	Locator device.Locator
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Service builds and posts emergency alerts.
type Service struct {
	remote  RemoteAlerts
	locator device.Locator
	clock   func() time.Time
	logger  *zap.Logger
}

// NewService constructs the alert service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Locator == nil {
		return nil, errMissingLocator
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		remote:  cfg.Remote,
		locator: cfg.Locator,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Trigger acquires one position reading, attaches it to the alert and
// posts it. An alert still goes out without coordinates when acquisition
// fails; a lost position must never block the call for help.
func (s *Service) Trigger(ctx context.Context, ownerID int64, message string) (remote.Alert, error) {
	if ownerID <= 0 {
		return remote.Alert{}, ErrMissingOwner
	}
	if strings.TrimSpace(message) == "" {
		return remote.Alert{}, ErrMissingMessage
	}

	alert := remote.Alert{
		OwnerID:   ownerID,
		Message:   message,
		Timestamp: s.clock().UTC().Format(time.RFC3339),
	}

	positionCtx, cancel := context.WithTimeout(ctx, positionTimeout)
	position, err := s.locator.Position(positionCtx)
	cancel()
	if err != nil {
		s.logger.Warn("alert position acquisition failed, sending without coordinates", zap.Error(err))
	} else {
		alert.Latitude = strconv.FormatFloat(position.Latitude, 'f', -1, 64)
		alert.Longitude = strconv.FormatFloat(position.Longitude, 'f', -1, 64)
	}

	confirmed, err := s.remote.SaveAlert(ctx, alert)
	if err != nil {
		s.logger.Error("alert dispatch failed", zap.Int64("owner_id", ownerID), zap.Error(err))
		return remote.Alert{}, err
	}

	s.logger.Info("alert dispatched", zap.Int64("owner_id", ownerID))
	return confirmed, nil
}
