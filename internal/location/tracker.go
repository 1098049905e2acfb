// Package location runs the periodic position-tracking loop: acquire one
// reading, post it, repeat on a fixed cadence. The loop is independent of
// the contact sync coordinator and never touches the contact list.
package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/w-protect/companion/internal/device"
	"github.com/w-protect/companion/internal/remote"
)

// DefaultInterval is the cadence between samples.
const DefaultInterval = 5000 * time.Millisecond

var (
	errMissingPoster  = errors.New("location: sample poster is required")
	errMissingLocator = errors.New("location: locator is required")
	errMissingDevice  = errors.New("location: device id is required")
)

// State models the tracker lifecycle.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Poster transmits one sample to the backend.
type Poster interface {
	PostLocationSample(ctx context.Context, sample remote.LocationSample) error
}

// Ticker abstracts the repeating timer so tests can drive ticks manually.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.ticker.C }
func (t *realTicker) Stop()               { t.ticker.Stop() }

func newRealTicker(interval time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(interval)}
}

// TrackerConfig describes the dependencies required to build a Tracker.
type TrackerConfig struct {
	Poster    Poster
	Locator   device.Locator
	Interval  time.Duration
	Clock     func() time.Time
	NewTicker func(interval time.Duration) Ticker
	Logger    *zap.Logger
}

// Tracker samples the device position on a fixed cadence and transmits
// each reading. Per-tick failures are logged and the loop proceeds; only
// Stop or context cancellation ends it. One instance runs per process.
type Tracker struct {
	mu        sync.Mutex
	poster    Poster
	locator   device.Locator
	interval  time.Duration
	clock     func() time.Time
	newTicker func(interval time.Duration) Ticker
	logger    *zap.Logger

	state    State
	deviceID string
	stop     chan struct{}
	done     chan struct{}
}

// NewTracker constructs a Tracker in the Idle state.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Poster == nil {
		return nil, errMissingPoster
	}
	if cfg.Locator == nil {
		return nil, errMissingLocator
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newTicker := cfg.NewTicker
	if newTicker == nil {
		newTicker = newRealTicker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Tracker{
		poster:    cfg.Poster,
		locator:   cfg.Locator,
		interval:  interval,
		clock:     clock,
		newTicker: newTicker,
		logger:    logger,
		state:     StateIdle,
	}, nil
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start requests location access, performs one immediate sample-and-send
// and schedules the repeating tick. Calling Start while the loop is
// already running logs a warning and does nothing; a declined permission
// leaves the tracker stopped with device.ErrPermissionDenied.
func (t *Tracker) Start(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errMissingDevice
	}

	t.mu.Lock()
	if t.state == StateRunning || t.state == StateStarting {
		t.mu.Unlock()
		t.logger.Warn("location tracking already running", zap.String("device_id", t.deviceID))
		return nil
	}
	t.state = StateStarting
	t.deviceID = deviceID
	t.mu.Unlock()

	if err := t.locator.RequestAccess(ctx); err != nil {
		t.mu.Lock()
		t.state = StateStopped
		t.mu.Unlock()
		t.logger.Warn("location permission not granted", zap.Error(err))
		return err
	}

	if !t.stillStarting() {
		t.logger.Info("location tracking stopped before start completed")
		return nil
	}

	// First reading goes out before the first tick.
	t.sampleAndSend(ctx)

	t.mu.Lock()
	if t.state != StateStarting {
		// Stop was issued during the first sample; nothing gets scheduled.
		t.mu.Unlock()
		t.logger.Info("location tracking stopped before start completed")
		return nil
	}
	t.state = StateRunning
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()

	ticker := t.newTicker(t.interval)
	go t.run(ctx, ticker, stop, done)

	t.logger.Info("location tracking started",
		zap.String("device_id", deviceID),
		zap.Duration("interval", t.interval))
	return nil
}

func (t *Tracker) stillStarting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateStarting
}

// Stop cancels the repeating timer. A tick already in flight completes on
// its own and its result is discarded. A stop issued while Start is still
// in its permission or first-sample window marks the tracker stopped and
// Start aborts before scheduling the loop. Stopping a stopped tracker is
// a no-op.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.state == StateStarting {
		t.state = StateStopped
		t.mu.Unlock()
		return
	}
	if t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	t.state = StateStopped
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	close(stop)
	<-done
	t.logger.Info("location tracking stopped")
}

func (t *Tracker) run(ctx context.Context, ticker Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			t.mu.Lock()
			if t.state == StateRunning {
				t.state = StateStopped
				t.stop, t.done = nil, nil
			}
			t.mu.Unlock()
			return
		case <-ticker.C():
			t.sampleAndSend(ctx)
		}
	}
}

// sampleAndSend never lets a tick fail the loop: acquisition and transmit
// errors are logged and the next tick proceeds independently.
func (t *Tracker) sampleAndSend(ctx context.Context) {
	position, err := t.locator.Position(ctx)
	if err != nil {
		t.logger.Warn("position acquisition failed", zap.Error(err))
		return
	}

	sample := t.buildSample(position)
	if err := t.poster.PostLocationSample(ctx, sample); err != nil {
		t.logger.Warn("location sample transmit failed",
			zap.String("device_id", sample.DeviceID),
			zap.Error(err))
		return
	}

	t.logger.Debug("location sample sent",
		zap.String("latitude", sample.Latitude),
		zap.String("longitude", sample.Longitude))
}

func (t *Tracker) buildSample(position device.Position) remote.LocationSample {
	sample := remote.LocationSample{
		DeviceID:  t.deviceID,
		Latitude:  strconv.FormatFloat(position.Latitude, 'f', -1, 64),
		Longitude: strconv.FormatFloat(position.Longitude, 'f', -1, 64),
		Timestamp: t.clock().UTC().Format(time.RFC3339),
	}
	if position.Accuracy > 0 {
		accuracy := position.Accuracy
		sample.Accuracy = &accuracy
	}
	return sample
}
