package replication

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"retailsync/internal/connectivity"
	"retailsync/internal/docstore"
	"retailsync/internal/logger"
)

type EventType string

const (
	EventChange EventType = "change"
	EventPaused EventType = "paused"
	EventActive EventType = "active"
	EventError  EventType = "error"
)

// Event is emitted for every observable step of a store's replication.
type Event struct {
	Store  string    `json:"store"`
	Type   EventType `json:"type"`
	Result Result    `json:"result"`
	Err    error     `json:"-"`
	At     time.Time `json:"at"`
}

type Options struct {
	BatchSize int
	// PollInterval is how long an idle stream waits before looking for
	// remote changes again. Local writes wake it earlier.
	PollInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

func DefaultOptions() Options {
	return Options{
		BatchSize:    100,
		PollInterval: 10 * time.Second,
		BackoffMin:   time.Second,
		BackoffMax:   time.Minute,
	}
}

type target struct {
	name string
	rep  *replicator
	// cycleMu serializes cycles of one store, continuous or one-shot.
	cycleMu sync.Mutex
}

// Handle refers to a continuous replication started by StartContinuous.
type Handle struct {
	store  string
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) Store() string {
	return h.store
}

// Manager owns the replication of every registered store with its remote
// counterpart. Continuous replications follow the connectivity monitor:
// they are torn down when the device goes offline and restarted when it
// comes back.
type Manager struct {
	opts    Options
	monitor *connectivity.Monitor
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	targets map[string]*target
	handles map[string]*Handle
	closed  bool

	listenMu  sync.Mutex
	listeners map[int]func(Event)
	nextID    int

	unsubscribe func()
}

func NewManager(monitor *connectivity.Monitor, opts Options) *Manager {
	defaults := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = defaults.BackoffMin
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = max(defaults.BackoffMax, opts.BackoffMin)
	}

	m := &Manager{
		opts:      opts,
		monitor:   monitor,
		log:       logger.WithComponent("replication"),
		now:       time.Now,
		targets:   make(map[string]*target),
		handles:   make(map[string]*Handle),
		listeners: make(map[int]func(Event)),
	}
	m.unsubscribe = monitor.Subscribe(m.onConnectivity)
	return m
}

// Register pairs a local store with its remote. remoteID identifies the
// remote database and keys the store's checkpoint.
func (m *Manager) Register(name string, local *docstore.Engine, remote Peer, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.targets[name]; exists {
		return fmt.Errorf("store %s is already registered", name)
	}
	m.targets[name] = &target{
		name: name,
		rep:  newReplicator(name, local, remote, remoteID, m.opts.BatchSize, logger.WithStore("replication", name)),
	}
	return nil
}

func (m *Manager) Stores() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.targets))
	for name := range m.targets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Subscribe registers fn for replication events and returns its
// unsubscribe func. fn is called from replication goroutines.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.listenMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenMu.Lock()
			delete(m.listeners, id)
			m.listenMu.Unlock()
		})
	}
}

// StartContinuous starts live bidirectional replication of one store. It
// is idempotent per store. While the device is offline the stream is only
// recorded and starts on the next online transition.
func (m *Manager) StartContinuous(name string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("replication manager is closed")
	}
	if _, ok := m.targets[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, name)
	}
	if h, ok := m.handles[name]; ok {
		return h, nil
	}
	h := &Handle{store: name}
	m.handles[name] = h
	if m.monitor.IsOnline() {
		m.startLocked(h)
	}
	return h, nil
}

// StartAll starts continuous replication of every registered store.
func (m *Manager) StartAll() error {
	for _, name := range m.Stores() {
		if _, err := m.StartContinuous(name); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels a continuous replication and waits for it to wind down.
func (m *Manager) Stop(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspendLocked(h)
	if m.handles[h.store] == h {
		delete(m.handles, h.store)
	}
}

// Running reports whether a live stream currently runs for the store.
func (m *Manager) Running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	return ok && h.cancel != nil
}

// SyncOnce runs one push-then-pull cycle for the store and reports what it
// moved. It fails fast with ErrOffline when the device is offline. Once
// started, the cycle completes even if ctx is cancelled.
func (m *Manager) SyncOnce(ctx context.Context, name string) (Result, error) {
	if !m.monitor.IsOnline() {
		return Result{}, ErrOffline
	}
	t, err := m.target(name)
	if err != nil {
		return Result{}, err
	}

	res, err := m.cycle(context.WithoutCancel(ctx), t, func() {
		m.emit(Event{Store: name, Type: EventActive})
	})
	if err != nil {
		m.log.Warn().Err(err).Str("store", name).Msg("one-shot sync failed")
		m.emit(Event{Store: name, Type: EventError, Result: res, Err: err})
		return res, err
	}
	if res.transferred() {
		m.emit(Event{Store: name, Type: EventChange, Result: res})
	}
	m.emit(Event{Store: name, Type: EventPaused, Result: res})
	return res, nil
}

// Confirmed asks the remote which of ids it holds at their current local
// revision. It lets callers recover confirmations that a crash kept from
// being acted on after the push checkpoint had already moved past them.
func (m *Manager) Confirmed(ctx context.Context, name string, ids []string) ([]string, error) {
	if !m.monitor.IsOnline() {
		return nil, ErrOffline
	}
	t, err := m.target(name)
	if err != nil {
		return nil, err
	}
	out, err := t.rep.confirmed(ctx, ids)
	if err != nil {
		return nil, &SyncError{Store: name, Op: "confirm", Err: err}
	}
	return out, nil
}

// SyncAll runs SyncOnce for every registered store concurrently and returns
// the per-store results. The error is the first failure, if any.
func (m *Manager) SyncAll(ctx context.Context) (map[string]Result, error) {
	if !m.monitor.IsOnline() {
		return nil, ErrOffline
	}
	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[string]Result)
	)
	for _, name := range m.Stores() {
		name := name
		g.Go(func() error {
			res, err := m.SyncOnce(ctx, name)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// Close stops every stream and detaches from the connectivity monitor.
func (m *Manager) Close() {
	m.unsubscribe()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for name, h := range m.handles {
		m.suspendLocked(h)
		delete(m.handles, name)
	}
}

func (m *Manager) onConnectivity(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, h := range m.handles {
		if online {
			m.startLocked(h)
		} else {
			m.suspendLocked(h)
		}
	}
	if online {
		m.log.Info().Int("streams", len(m.handles)).Msg("online, replication resumed")
	} else {
		m.log.Info().Int("streams", len(m.handles)).Msg("offline, replication suspended")
	}
}

func (m *Manager) startLocked(h *Handle) {
	if h.cancel != nil {
		return
	}
	t := m.targets[h.store]
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go m.stream(ctx, t, h.done)
}

// suspendLocked cancels the stream and waits for it. Streams never take
// m.mu, so waiting here cannot deadlock.
func (m *Manager) suspendLocked(h *Handle) {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	h.done = nil
}

func (m *Manager) target(name string) (*target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, name)
	}
	return t, nil
}

func (m *Manager) cycle(ctx context.Context, t *target, onActive func()) (Result, error) {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()
	return t.rep.run(ctx, onActive)
}

func (m *Manager) stream(ctx context.Context, t *target, done chan struct{}) {
	defer close(done)

	wake := make(chan struct{}, 1)
	unsubscribe := t.rep.local.Subscribe(func(c docstore.Change) {
		if c.Replicated {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	log := t.rep.log
	log.Debug().Msg("live replication started")
	defer log.Debug().Msg("live replication stopped")

	backoff := m.opts.BackoffMin
	var state EventType
	for {
		res, err := m.cycle(ctx, t, func() {
			if state != EventActive {
				state = EventActive
				m.emit(Event{Store: t.name, Type: EventActive})
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("replication cycle failed")
			state = EventError
			m.emit(Event{Store: t.name, Type: EventError, Result: res, Err: err})
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, m.opts.BackoffMax)
			continue
		}

		backoff = m.opts.BackoffMin
		if res.transferred() {
			m.emit(Event{Store: t.name, Type: EventChange, Result: res})
		}
		if state != EventPaused {
			state = EventPaused
			m.emit(Event{Store: t.name, Type: EventPaused})
		}

		timer := time.NewTimer(m.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (m *Manager) emit(ev Event) {
	ev.At = m.now()
	m.listenMu.Lock()
	listeners := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
