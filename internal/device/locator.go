package device

import (
	"context"
	"errors"
	"time"
)

// ErrNoPosition indicates that no configured locator produced a reading.
var ErrNoPosition = errors.New("device: no position available")

const defaultAcquireTimeout = 8 * time.Second

// Position is one geolocation reading. Accuracy is in meters; zero means
// the provider did not report one.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

// Locator acquires the device position.
type Locator interface {
	RequestAccess(ctx context.Context) error
	Position(ctx context.Context) (Position, error)
}

// FuncLocator adapts plain functions into a Locator. Nil functions behave
// as always-granted access and ErrNoPosition respectively.
type FuncLocator struct {
	RequestAccessFunc func(ctx context.Context) error
	PositionFunc      func(ctx context.Context) (Position, error)
}

func (l FuncLocator) RequestAccess(ctx context.Context) error {
	if l.RequestAccessFunc == nil {
		return nil
	}
	return l.RequestAccessFunc(ctx)
}

func (l FuncLocator) Position(ctx context.Context) (Position, error) {
	if l.PositionFunc == nil {
		return Position{}, ErrNoPosition
	}
	return l.PositionFunc(ctx)
}

type chainLocator struct {
	locators []Locator
	timeout  time.Duration
}

// ChainLocators returns a Locator that tries each locator in order,
// bounding every attempt with a per-attempt timeout. The first successful
// reading wins; access is granted if any locator grants it.
func ChainLocators(locators ...Locator) Locator {
	return &chainLocator{locators: locators, timeout: defaultAcquireTimeout}
}

func (c *chainLocator) RequestAccess(ctx context.Context) error {
	var lastErr error = ErrPermissionDenied
	for _, locator := range c.locators {
		if err := locator.RequestAccess(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

func (c *chainLocator) Position(ctx context.Context) (Position, error) {
	var lastErr error = ErrNoPosition
	for _, locator := range c.locators {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		position, err := locator.Position(attemptCtx)
		cancel()
		if err == nil {
			return position, nil
		}
		lastErr = err
	}
	return Position{}, lastErr
}
