package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"retailsync/internal/logger"
)

// Prober reports whether the remote side is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Monitor tracks whether the device is online and tells subscribers about
// every transition. It is created once per process and passed to the
// components that need it.
type Monitor struct {
	mu      sync.RWMutex
	online  bool
	subs    map[int]func(bool)
	nextSub int

	// notifyMu keeps transition callbacks in order.
	notifyMu sync.Mutex

	log zerolog.Logger
}

func New(initial bool) *Monitor {
	return &Monitor{
		online: initial,
		subs:   make(map[int]func(bool)),
		log:    logger.WithComponent("connectivity"),
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records the host's reachability signal. Subscribers are called
// only when the state actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if online {
		m.log.Info().Msg("connection restored")
	} else {
		m.log.Warn().Msg("connection lost")
	}
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for transitions and returns its unsubscribe func.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Run probes every interval until ctx is done and feeds the result into
// SetOnline.
func (m *Monitor) Run(ctx context.Context, prober Prober, interval time.Duration) {
	if prober == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.probeOnce(ctx, prober, interval)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, prober Prober, timeout time.Duration) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := prober.Probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Debug().Err(err).Msg("probe failed")
	}
	m.SetOnline(err == nil)
}

// HTTPProber checks that GET URL answers with a non-5xx status.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}
