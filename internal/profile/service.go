// Package profile resolves and registers the owning user profile by
// device identity, caching the last-known snapshot locally so the agent
// can identify its owner without connectivity.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/w-protect/companion/internal/device"
	"github.com/w-protect/companion/internal/remote"
	"github.com/w-protect/companion/internal/store"
)

var (
	// ErrMissingName indicates a registration without a display name.
	ErrMissingName = errors.New("profile: name is required")
	// ErrMissingEmail indicates a registration without an email address.
	ErrMissingEmail = errors.New("profile: email is required")
	// ErrNotRegistered indicates no profile exists remotely or locally for this device.
	ErrNotRegistered = errors.New("profile: device is not registered")

	errMissingStore    = errors.New("profile: local store is required")
	errMissingRemote   = errors.New("profile: remote client is required")
	errMissingIdentity = errors.New("profile: identity provider is required")
)

// RemoteProfiles is the backend surface this service consumes.
type RemoteProfiles interface {
	ProfileByDevice(ctx context.Context, deviceID string) (remote.Profile, error)
	SaveProfile(ctx context.Context, profile remote.Profile) (remote.Profile, error)
}

// ServiceConfig describes the dependencies required to build a Service.
type ServiceConfig struct {
	Store    *store.Store
	Remote   RemoteProfiles
	Identity device.IdentityProvider
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Service manages the owner profile lifecycle for one device.
type Service struct {
	store    *store.Store
	remote   RemoteProfiles
	identity device.IdentityProvider
	logger   *zap.Logger
	clock    func() time.Time
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:    cfg.Store,
		remote:   cfg.Remote,
		identity: cfg.Identity,
		logger:   logger,
		clock:    clock,
	}, nil
}

// Current resolves the profile for this device: remote lookup first, with
// the locally cached snapshot as fallback when the backend is unreachable.
// A successful lookup refreshes the cache.
func (s *Service) Current(ctx context.Context) (remote.Profile, error) {
	deviceID, err := s.identity.DeviceID(ctx)
	if err != nil {
		return remote.Profile{}, fmt.Errorf("profile: resolve device id: %w", err)
	}

	fetched, err := s.remote.ProfileByDevice(ctx, deviceID)
	if err == nil {
		if cacheErr := s.store.PutJSON(store.KeyProfile, fetched); cacheErr != nil {
			s.logger.Warn("profile cache write failed", zap.Error(cacheErr))
		}
		return fetched, nil
	}

	s.logger.Warn("remote profile lookup failed, trying local cache",
		zap.String("device_id", deviceID), zap.Error(err))

	var cached remote.Profile
	found, cacheErr := s.store.GetJSON(store.KeyProfile, &cached)
	if cacheErr != nil {
		return remote.Profile{}, cacheErr
	}
	if !found {
		return remote.Profile{}, ErrNotRegistered
	}
	return cached, nil
}

// Register validates and saves a new profile bound to this device, then
// caches the confirmed record.
func (s *Service) Register(ctx context.Context, profile remote.Profile) (remote.Profile, error) {
	if strings.TrimSpace(profile.Name) == "" {
		return remote.Profile{}, ErrMissingName
	}
	if strings.TrimSpace(profile.Email) == "" {
		return remote.Profile{}, ErrMissingEmail
	}

	deviceID, err := s.identity.DeviceID(ctx)
	if err != nil {
		return remote.Profile{}, fmt.Errorf("profile: resolve device id: %w", err)
	}
	profile.DeviceID = deviceID

	confirmed, err := s.remote.SaveProfile(ctx, profile)
	if err != nil {
		return remote.Profile{}, err
	}

	if cacheErr := s.store.PutJSON(store.KeyProfile, confirmed); cacheErr != nil {
		s.logger.Warn("profile cache write failed", zap.Error(cacheErr))
	}
	s.logger.Info("profile registered", zap.String("device_id", deviceID))
	return confirmed, nil
}

// Deregister clears every locally persisted key: the cached profile, the
// contact list, the pending queue and the sync flag all go with it.
func (s *Service) Deregister() error {
	if err := s.store.Clear(); err != nil {
		return err
	}
	s.logger.Info("local state cleared")
	return nil
}
