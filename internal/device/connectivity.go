package device

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ConnectivityMonitor reports whether the device currently has network
// reachability and broadcasts transitions.
type ConnectivityMonitor interface {
	Online() bool
	// Subscribe returns a channel receiving the new state on every
	// online/offline transition. Slow subscribers drop updates rather
	// than block the signal source.
	Subscribe() <-chan bool
}

// ManualMonitor is a ConnectivityMonitor driven by explicit Set calls,
// typically wired to a platform online/offline signal.
type ManualMonitor struct {
	mu          sync.Mutex
	online      bool
	subscribers []chan bool
}

// NewManualMonitor constructs a ManualMonitor with the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{online: online}
}

func (m *ManualMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ManualMonitor) Subscribe() <-chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan bool, 4)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Set records the new state and notifies subscribers when it changed.
func (m *ManualMonitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	subscribers := make([]chan bool, len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, ch := range subscribers {
		select {
		case ch <- online:
		default:
		}
	}
}

// ProbeMonitor derives connectivity by periodically probing a URL,
// for hosts without a platform connectivity signal.
type ProbeMonitor struct {
	*ManualMonitor
	url      string
	interval time.Duration
	client   *http.Client
}

// NewProbeMonitor constructs a ProbeMonitor that issues a HEAD request
// against url every interval. It starts offline until the first probe.
func NewProbeMonitor(url string, interval time.Duration) *ProbeMonitor {
	return &ProbeMonitor{
		ManualMonitor: NewManualMonitor(false),
		url:           url,
		interval:      interval,
		client:        &http.Client{Timeout: 5 * time.Second},
	}
}

// Run probes until ctx is cancelled. Any completed HTTP exchange counts as
// online; only transport failures count as offline.
func (p *ProbeMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *ProbeMonitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.Set(false)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.Set(false)
		return
	}
	resp.Body.Close()
	p.Set(true)
}
