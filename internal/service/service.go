package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"retailsync/internal/cache"
	"retailsync/internal/domain"
	"retailsync/internal/logger"
	"retailsync/internal/replication"
	"retailsync/internal/store"
	"retailsync/internal/xid"
)

var (
	ErrForbidden    = errors.New("forbidden")
	ErrSyncDisabled = errors.New("replication is not configured")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Syncer runs one-shot replication cycles on demand.
type Syncer interface {
	SyncOnce(ctx context.Context, store string) (replication.Result, error)
	SyncAll(ctx context.Context) (map[string]replication.Result, error)
}

// Confirmer reports which local documents the remote already holds at
// their current revision.
type Confirmer interface {
	Confirmed(ctx context.Context, store string, ids []string) ([]string, error)
}

type Service struct {
	repo     *store.Repository
	views    cache.ViewCache
	viewTTL  time.Duration
	syncer   Syncer
	log      zerolog.Logger
	now      func() time.Time
	maxRetry int

	genMu sync.Mutex
	gens  map[string]uint64
}

// New builds the service. views and syncer may be nil: lists are then
// read straight from the stores and TriggerSync reports ErrSyncDisabled.
func New(repo *store.Repository, views cache.ViewCache, syncer Syncer) *Service {
	if views == nil {
		views = cache.NoopViewCache{}
	}
	return &Service{
		repo:     repo,
		views:    views,
		viewTTL:  5 * time.Minute,
		syncer:   syncer,
		log:      logger.WithComponent("service"),
		now:      func() time.Time { return time.Now().UTC() },
		maxRetry: 5,
		gens:     make(map[string]uint64),
	}
}

func (s *Service) Repository() *store.Repository {
	return s.repo
}

// authorize checks the caller's role and, for branch-bound users, that
// branchID is their branch. An empty branchID skips the branch check.
func (s *Service) authorize(ctx context.Context, branchID string, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: no authenticated user", ErrForbidden)
	}
	if len(roles) > 0 && !slices.Contains(roles, actor.Role) {
		return domain.Actor{}, fmt.Errorf("%w: role %s may not do this", ErrForbidden, actor.Role)
	}
	if actor.Role != domain.RoleAdmin && actor.BranchID != "" && branchID != "" && actor.BranchID != branchID {
		return domain.Actor{}, fmt.Errorf("%w: user belongs to branch %s", ErrForbidden, actor.BranchID)
	}
	return actor, nil
}

// TriggerSync runs one replication cycle for storeName, or for every store
// when storeName is empty.
func (s *Service) TriggerSync(ctx context.Context, storeName string) (map[string]replication.Result, error) {
	if _, err := s.authorize(ctx, ""); err != nil {
		return nil, err
	}
	if s.syncer == nil {
		return nil, ErrSyncDisabled
	}
	if storeName == "" {
		results, err := s.syncer.SyncAll(ctx)
		s.logAudit(ctx, "", "sync_now", "store", "*", syncDetail(results, err))
		return results, err
	}
	if !slices.Contains(domain.AllStores, storeName) {
		return nil, fmt.Errorf("%w: unknown store %q", store.ErrValidation, storeName)
	}
	res, err := s.syncer.SyncOnce(ctx, storeName)
	results := map[string]replication.Result{storeName: res}
	s.logAudit(ctx, "", "sync_now", "store", storeName, syncDetail(results, err))
	return results, err
}

func syncDetail(results map[string]replication.Result, err error) string {
	pushed, pulled := 0, 0
	for _, res := range results {
		pushed += res.Pushed
		pulled += res.Pulled
	}
	detail := fmt.Sprintf("pushed=%d,pulled=%d", pushed, pulled)
	if err != nil {
		detail += ",error=" + err.Error()
	}
	return detail
}

// HandleReplicationEvent keeps derived state in step with replication:
// views of stores that received documents are dropped and returns
// confirmed on the remote are marked synced. When the returns store goes
// idle, pending returns are checked against the remote so a confirmation
// lost to a restart is recovered.
func (s *Service) HandleReplicationEvent(ev replication.Event) {
	if ev.Type != replication.EventChange && !(ev.Type == replication.EventPaused && ev.Store == domain.StoreReturns) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if ev.Type == replication.EventPaused {
		if _, err := s.ConfirmPendingReturns(ctx); err != nil {
			s.log.Warn().Err(err).Msg("failed to confirm pending returns")
		}
		return
	}

	if ev.Store == domain.StoreReturns && len(ev.Result.Confirmed) > 0 {
		if err := s.MarkReturnsSynced(ctx, ev.Result.Confirmed); err != nil {
			s.log.Warn().Err(err).Msg("failed to mark returns synced")
		}
	}
	if ev.Result.Pulled > 0 {
		s.invalidate(ctx, ev.Store)
		if ev.Store == domain.StoreBranches {
			for _, name := range domain.AllStores {
				s.invalidate(ctx, name)
			}
		}
	}
}

func (s *Service) invalidate(ctx context.Context, stores ...string) {
	for _, name := range stores {
		s.bumpGeneration(name)
		if err := s.views.InvalidatePrefix(ctx, cache.StorePrefix(name)); err != nil {
			s.log.Warn().Err(err).Str("store", name).Msg("failed to invalidate cached views")
		}
	}
}

// generation counts invalidations of a store. A listing loaded while the
// generation moved may predate a write and must not stay cached.
func (s *Service) generation(name string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.gens[name]
}

func (s *Service) bumpGeneration(name string) {
	s.genMu.Lock()
	s.gens[name]++
	s.genMu.Unlock()
}

// cachedList serves a branch-scoped listing from the view cache, loading it
// from the store on a miss.
func cachedList[T any, P store.Entity[T]](ctx context.Context, s *Service, coll *store.Collection[T, P], branchID string, f store.Filter) ([]T, error) {
	key := cache.Key(coll.Name(), branchID, f.DepartmentID, f.CategoryID, strconv.FormatBool(f.ExcludeOrphans))
	if raw, ok, err := s.views.Get(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("view cache read failed")
	} else if ok {
		var out []T
		if err := json.Unmarshal(raw, &out); err == nil {
			return out, nil
		}
	}

	gen := s.generation(coll.Name())
	out, err := coll.List(ctx, branchID, f)
	if err != nil {
		return nil, err
	}
	if s.generation(coll.Name()) != gen {
		return out, nil
	}
	if raw, err := json.Marshal(out); err == nil {
		if err := s.views.Set(ctx, key, raw, s.viewTTL); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("view cache write failed")
		}
		// A write that landed between the check and Set has already
		// invalidated the store, so drop what was just cached.
		if s.generation(coll.Name()) != gen {
			if err := s.views.InvalidatePrefix(ctx, key); err != nil {
				s.log.Warn().Err(err).Str("key", key).Msg("failed to drop stale view")
			}
		}
	}
	return out, nil
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if _, err := s.repo.Logs.Create(ctx, domain.LogEntry{
		Meta:       domain.Meta{ID: xid.New("log")},
		BranchID:   branchID,
		Actor:      actor.Username,
		Role:       actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}); err != nil {
		s.log.Warn().Err(err).Str("action", action).Str("entity", entityType+"/"+entityID).Msg("failed to write audit log")
		return
	}
	s.invalidate(ctx, domain.StoreLogs)
}

// ListLogs returns the branch's log entries, newest first. limit < 1 means
// 100.
func (s *Service) ListLogs(ctx context.Context, branchID string, action string, limit int) ([]domain.LogEntry, error) {
	if _, err := s.authorize(ctx, branchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	entries, err := cachedList(ctx, s, s.repo.Logs, branchID, store.Filter{})
	if err != nil {
		return nil, err
	}
	action = strings.TrimSpace(action)
	out := make([]domain.LogEntry, 0, min(limit, len(entries)))
	slices.SortFunc(entries, func(a, b domain.LogEntry) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	for _, entry := range entries {
		if action != "" && entry.Action != action {
			continue
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func requireText(field string, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: %s is required", store.ErrValidation, field)
	}
	return value, nil
}
