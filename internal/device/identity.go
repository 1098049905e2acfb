package device

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/w-protect/companion/internal/store"
)

// ErrNoIdentity indicates no device identifier could be produced.
var ErrNoIdentity = errors.New("device: no device identity available")

// IdentityProvider returns a stable per-install device identifier.
type IdentityProvider interface {
	DeviceID(ctx context.Context) (string, error)
}

// StaticIdentity serves a fixed identifier, e.g. one supplied through
// configuration.
type StaticIdentity string

func (s StaticIdentity) DeviceID(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoIdentity
	}
	return string(s), nil
}

// FallbackIdentity wraps a primary provider and, when it fails, serves a
// locally-generated identifier that is minted once and cached durably so
// the same install keeps the same id.
type FallbackIdentity struct {
	primary IdentityProvider
	store   *store.Store
	logger  *zap.Logger
}

// NewFallbackIdentity builds a FallbackIdentity. The primary provider may
// be nil, in which case the cached or generated identifier is always used.
func NewFallbackIdentity(primary IdentityProvider, cache *store.Store, logger *zap.Logger) *FallbackIdentity {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackIdentity{primary: primary, store: cache, logger: logger}
}

func (f *FallbackIdentity) DeviceID(ctx context.Context) (string, error) {
	if f.primary != nil {
		id, err := f.primary.DeviceID(ctx)
		if err == nil && id != "" {
			return id, nil
		}
		if err != nil {
			f.logger.Warn("primary device identity unavailable, using fallback", zap.Error(err))
		}
	}

	cached, found, err := f.store.Get(store.KeyDeviceID)
	if err != nil {
		return "", err
	}
	if found && cached != "" {
		return cached, nil
	}

	generated := uuid.NewString()
	if err := f.store.Put(store.KeyDeviceID, generated); err != nil {
		return "", err
	}
	f.logger.Info("generated fallback device identity")
	return generated, nil
}
