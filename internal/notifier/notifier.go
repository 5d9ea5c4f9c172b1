package notifier

import (
	"slices"
	"sync"
	"time"

	"retailsync/internal/connectivity"
	"retailsync/internal/replication"
)

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
	// StateOffline is reported for every store while the device is offline.
	StateOffline State = "offline"
)

type StoreStatus struct {
	Store        string     `json:"store"`
	State        State      `json:"state"`
	LastError    string     `json:"lastError,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	LastChangeAt *time.Time `json:"lastChangeAt,omitempty"`
}

type Snapshot struct {
	Online bool          `json:"isOnline"`
	Stores []StoreStatus `json:"stores"`
	At     time.Time     `json:"at"`
}

// State returns the status of one store, or false when it is unknown.
func (s Snapshot) State(store string) (StoreStatus, bool) {
	for _, st := range s.Stores {
		if st.Store == store {
			return st, true
		}
	}
	return StoreStatus{}, false
}

// Notifier derives a per-store sync state from replication events and the
// connectivity signal, and republishes it to subscribers.
type Notifier struct {
	mu     sync.RWMutex
	online bool
	stores map[string]*StoreStatus
	now    func() time.Time

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

func New(online bool, stores []string) *Notifier {
	n := &Notifier{
		online: online,
		stores: make(map[string]*StoreStatus, len(stores)),
		now:    time.Now,
		subs:   make(map[int]func(Snapshot)),
	}
	for _, name := range stores {
		n.stores[name] = &StoreStatus{Store: name, State: StateIdle}
	}
	return n
}

// Attach feeds the notifier from a monitor and a replication manager. The
// returned func detaches it.
func (n *Notifier) Attach(monitor *connectivity.Monitor, manager *replication.Manager) func() {
	n.SetOnline(monitor.IsOnline())
	offMonitor := monitor.Subscribe(n.SetOnline)
	offManager := manager.Subscribe(n.HandleEvent)
	return func() {
		offMonitor()
		offManager()
	}
}

func (n *Notifier) SetOnline(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}
	n.online = online
	n.mu.Unlock()
	n.publish()
}

func (n *Notifier) HandleEvent(ev replication.Event) {
	at := ev.At
	if at.IsZero() {
		at = n.now()
	}

	n.mu.Lock()
	st, ok := n.stores[ev.Store]
	if !ok {
		st = &StoreStatus{Store: ev.Store, State: StateIdle}
		n.stores[ev.Store] = st
	}
	switch ev.Type {
	case replication.EventActive:
		st.State = StateSyncing
	case replication.EventPaused:
		st.State = StateIdle
		st.LastError = ""
		st.LastSyncedAt = &at
	case replication.EventChange:
		st.LastChangeAt = &at
	case replication.EventError:
		st.State = StateError
		if ev.Err != nil {
			st.LastError = ev.Err.Error()
		}
	}
	n.mu.Unlock()
	n.publish()
}

func (n *Notifier) Snapshot() Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()

	snap := Snapshot{Online: n.online, Stores: make([]StoreStatus, 0, len(n.stores)), At: n.now()}
	for _, st := range n.stores {
		out := *st
		if !n.online {
			out.State = StateOffline
		}
		snap.Stores = append(snap.Stores, out)
	}
	slices.SortFunc(snap.Stores, func(a, b StoreStatus) int {
		if a.Store < b.Store {
			return -1
		}
		if a.Store > b.Store {
			return 1
		}
		return 0
	})
	return snap
}

// Subscribe registers fn for every state change and returns its
// unsubscribe func.
func (n *Notifier) Subscribe(fn func(Snapshot)) func() {
	n.subMu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = fn
	n.subMu.Unlock()

	return func() {
		n.subMu.Lock()
		delete(n.subs, id)
		n.subMu.Unlock()
	}
}

func (n *Notifier) publish() {
	snap := n.Snapshot()
	n.subMu.Lock()
	subs := make([]func(Snapshot), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.subMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}
