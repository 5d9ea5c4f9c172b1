package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"retailsync/internal/docstore"
)

// Peer is one side of a replication: the local engine or a remote client.
type Peer interface {
	Changes(ctx context.Context, since int64, limit int) (docstore.ChangesPage, error)
	RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error)
	BulkGet(ctx context.Context, ids []string) ([]docstore.Doc, error)
	BulkDocs(ctx context.Context, docs []docstore.Doc) ([]docstore.BulkResult, error)
}

// Result counts what one replication cycle moved.
type Result struct {
	Pushed    int `json:"pushed"`
	Pulled    int `json:"pulled"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
	// Confirmed lists local documents whose current revision is known to be
	// on the remote after the push.
	Confirmed []string `json:"-"`
}

// transferred reports whether the cycle wrote documents to either side.
// Confirmations alone do not count: pulled documents show up in the next
// push as already present on the remote.
func (r Result) transferred() bool {
	return r.Pushed > 0 || r.Pulled > 0
}

type checkpoint struct {
	Push int64 `json:"push"`
	Pull int64 `json:"pull"`
}

type batchStats struct {
	written   int
	conflicts int
	failed    int
	confirmed []string
}

// replicator runs push-then-pull cycles between one local store and its
// remote. Cycles of one replicator must not overlap.
type replicator struct {
	name         string
	local        *docstore.Engine
	remote       Peer
	checkpointID string
	batchSize    int
	log          zerolog.Logger

	pushRetry map[string]struct{}
	pullRetry map[string]struct{}
}

func newReplicator(name string, local *docstore.Engine, remote Peer, remoteID string, batchSize int, log zerolog.Logger) *replicator {
	if remoteID == "" {
		remoteID = name
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &replicator{
		name:         name,
		local:        local,
		remote:       remote,
		checkpointID: "checkpoint/" + remoteID,
		batchSize:    batchSize,
		log:          log,
		pushRetry:    make(map[string]struct{}),
		pullRetry:    make(map[string]struct{}),
	}
}

// run pushes local changes, then pulls remote ones. onActive is called
// before the first document is written to either side.
func (r *replicator) run(ctx context.Context, onActive func()) (Result, error) {
	var res Result
	cp, err := r.loadCheckpoint(ctx)
	if err != nil {
		return res, &SyncError{Store: r.name, Op: "load checkpoint", Err: err}
	}

	active := false
	markActive := func() {
		if !active {
			active = true
			if onActive != nil {
				onActive()
			}
		}
	}

	push, pushSeq, err := r.replicate(ctx, r.local, r.remote, cp.Push, r.pushRetry, markActive, func(seq int64) error {
		cp.Push = seq
		return r.saveCheckpoint(ctx, cp)
	})
	res.Pushed = push.written
	res.Conflicts += push.conflicts
	res.Failed += push.failed
	res.Confirmed = push.confirmed
	if err != nil {
		return res, &SyncError{Store: r.name, Op: "push", Err: err}
	}
	cp.Push = pushSeq

	pull, _, err := r.replicate(ctx, r.remote, r.local, cp.Pull, r.pullRetry, markActive, func(seq int64) error {
		cp.Pull = seq
		return r.saveCheckpoint(ctx, cp)
	})
	res.Pulled = pull.written
	res.Conflicts += pull.conflicts
	res.Failed += pull.failed
	if err != nil {
		return res, &SyncError{Store: r.name, Op: "pull", Err: err}
	}
	return res, nil
}

// replicate copies every revision the target lacks from source, starting
// after since and advancing the checkpoint batch by batch. Documents that
// fail individually are remembered in retry and resent next time.
func (r *replicator) replicate(ctx context.Context, source, target Peer, since int64, retry map[string]struct{}, onActive func(), save func(int64) error) (batchStats, int64, error) {
	var total batchStats

	if len(retry) > 0 {
		ids := make([]string, 0, len(retry))
		for id := range retry {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		docs, err := source.BulkGet(ctx, ids)
		if err != nil {
			return total, since, err
		}
		revs := make(map[string][]string, len(docs))
		for _, doc := range docs {
			revs[doc.ID] = []string{doc.Rev}
		}
		for _, id := range ids {
			if _, ok := revs[id]; !ok {
				delete(retry, id)
			}
		}
		stats, err := r.send(ctx, source, target, revs, retry, onActive)
		total.add(stats)
		if err != nil {
			return total, since, err
		}
	}

	for {
		page, err := source.Changes(ctx, since, r.batchSize)
		if err != nil {
			return total, since, err
		}
		if len(page.Results) == 0 {
			return total, since, nil
		}

		revs := make(map[string][]string, len(page.Results))
		for _, change := range page.Results {
			revs[change.ID] = []string{change.Rev}
		}
		stats, err := r.send(ctx, source, target, revs, retry, onActive)
		total.add(stats)
		if err != nil {
			return total, since, err
		}

		since = page.LastSeq
		if err := save(since); err != nil {
			return total, since, fmt.Errorf("save checkpoint: %w", err)
		}
		if len(page.Results) < r.batchSize {
			return total, since, nil
		}
	}
}

func (r *replicator) send(ctx context.Context, source, target Peer, revs map[string][]string, retry map[string]struct{}, onActive func()) (batchStats, error) {
	var stats batchStats
	if len(revs) == 0 {
		return stats, nil
	}
	missing, err := target.RevsDiff(ctx, revs)
	if err != nil {
		return stats, err
	}

	ids := make([]string, 0, len(missing))
	for id := range revs {
		if len(missing[id]) == 0 {
			stats.confirmed = append(stats.confirmed, id)
			delete(retry, id)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return stats, nil
	}
	slices.Sort(ids)

	docs, err := source.BulkGet(ctx, ids)
	if err != nil {
		return stats, err
	}
	if len(docs) == 0 {
		return stats, nil
	}
	onActive()
	results, err := target.BulkDocs(ctx, docs)
	if err != nil {
		return stats, err
	}
	for _, res := range results {
		if res.Err != nil {
			stats.failed++
			retry[res.ID] = struct{}{}
			r.log.Warn().Err(res.Err).Str("id", res.ID).Str("rev", res.Rev).Msg("document not replicated, will retry")
			continue
		}
		delete(retry, res.ID)
		if res.Conflict {
			stats.conflicts++
		}
		if res.Written {
			stats.written++
		}
		if res.Written || !res.Conflict {
			stats.confirmed = append(stats.confirmed, res.ID)
		}
	}
	return stats, nil
}

// confirmed returns the ids whose current local revision the remote
// already holds. Ids unknown locally are left out.
func (r *replicator) confirmed(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	docs, err := r.local.BulkGet(ctx, ids)
	if err != nil {
		return nil, err
	}
	revs := make(map[string][]string, len(docs))
	for _, doc := range docs {
		revs[doc.ID] = []string{doc.Rev}
	}
	if len(revs) == 0 {
		return nil, nil
	}
	missing, err := r.remote.RevsDiff(ctx, revs)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(revs))
	for id := range revs {
		if len(missing[id]) == 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *batchStats) add(o batchStats) {
	s.written += o.written
	s.conflicts += o.conflicts
	s.failed += o.failed
	s.confirmed = append(s.confirmed, o.confirmed...)
}

func (r *replicator) loadCheckpoint(ctx context.Context) (checkpoint, error) {
	var cp checkpoint
	doc, err := r.local.GetLocal(ctx, r.checkpointID)
	if errors.Is(err, docstore.ErrNotFound) {
		return cp, nil
	}
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal(doc.Body, &cp); err != nil {
		return checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

func (r *replicator) saveCheckpoint(ctx context.Context, cp checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	current, err := r.local.GetLocal(ctx, r.checkpointID)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	_, err = r.local.PutLocal(ctx, docstore.LocalDoc{ID: r.checkpointID, Rev: current.Rev, Body: body})
	return err
}
