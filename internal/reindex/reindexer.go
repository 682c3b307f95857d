package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/arkilian/indexkeeper/internal/cache"
	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/arkilian/indexkeeper/internal/naming"
	"github.com/arkilian/indexkeeper/internal/store"
)

// ProgressFunc receives progress in percent. The final call is (100, nil).
type ProgressFunc func(percent int, message *string)

var errMissingResult = errors.New("reindex: store returned no result for document")

// Progress ranges per phase.
const (
	firstPassStart  = 0
	firstPassEnd    = 90
	cutoverPercent  = 91
	secondPassEnd   = 97
	reconcilePct    = 98
	donePercent     = 100
	maxPassRestarts = 3
)

// Options configures the reindexer.
type Options struct {
	// BatchSize is the number of documents per cursor page (default: 500).
	BatchSize int
	// SecondPassSkew widens the second pass window back from the first pass
	// start to cover clock skew between writers (default: 1s).
	SecondPassSkew time.Duration
	// Now returns the current time.
	Now func() time.Time
}

// DefaultOptions returns the default reindex options.
func DefaultOptions() Options {
	return Options{
		BatchSize:      500,
		SecondPassSkew: time.Second,
		Now:            time.Now,
	}
}

// Reindexer runs reindex tasks against a store, checkpointing into a cache.
type Reindexer struct {
	store       store.Store
	checkpoints checkpoints
	opts        Options
}

// New creates a reindexer.
func New(st store.Store, c cache.Cache, opts Options) *Reindexer {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.SecondPassSkew <= 0 {
		opts.SecondPassSkew = def.SecondPassSkew
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	return &Reindexer{
		store:       st,
		checkpoints: checkpoints{cache: c, now: opts.Now},
		opts:        opts,
	}
}

// Run executes task, resuming from its checkpoint when one exists. Re-running
// a completed or partially completed task is safe.
func (r *Reindexer) Run(ctx context.Context, task Task, progress ProgressFunc) (err error) {
	if progress == nil {
		progress = func(int, *string) {}
	}
	defer func() {
		if err != nil {
			tasksTotal.WithLabelValues("failed").Inc()
			log.Printf("reindex: %s failed: %v", task, err)
		} else {
			tasksTotal.WithLabelValues("completed").Inc()
		}
	}()

	if err := task.Validate(); err != nil {
		return err
	}

	cp, err := r.checkpoints.load(ctx, task)
	if err != nil {
		return err
	}
	if cp == nil {
		cp = &Checkpoint{Phase: PhaseFirstPass}
		progress(firstPassStart, msg("starting %s", task))
	} else {
		log.Printf("reindex: resuming %s at %s (%d/%d documents)", task, cp.Phase, cp.CompletedCount, cp.Total)
		progress(cp.percent(), msg("resuming %s at %s", task, cp.Phase))
	}

	restarts := 0
	for {
		switch cp.Phase {
		case PhaseFirstPass:
			if cp.FirstPassStartedAt.IsZero() {
				cp.FirstPassStartedAt = r.opts.Now().UTC()
			}
			var filter *store.Filter
			if task.WindowStart != nil {
				filter = &store.Filter{TimestampField: task.TimestampField, From: *task.WindowStart}
			}
			err := r.pass(ctx, task, cp, filter, "first pass", firstPassStart, firstPassEnd, progress)
			if errors.Is(err, store.ErrCursorExpired) {
				if cp, err = r.restart(ctx, task, &restarts, err); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if err := r.advance(ctx, task, cp, PhaseAliasCutover); err != nil {
				return err
			}

		case PhaseAliasCutover:
			if err := r.cutover(ctx, task); err != nil {
				return err
			}
			if err := r.advance(ctx, task, cp, PhaseSecondPass); err != nil {
				return err
			}
			progress(cutoverPercent, msg("aliases moved to %s", task.DestIndex))

		case PhaseSecondPass:
			var filter *store.Filter
			if task.TimestampField != "" {
				filter = &store.Filter{
					TimestampField: task.TimestampField,
					From:           cp.FirstPassStartedAt.Add(-r.opts.SecondPassSkew),
				}
			}
			err := r.pass(ctx, task, cp, filter, "second pass", cutoverPercent, secondPassEnd, progress)
			if errors.Is(err, store.ErrCursorExpired) {
				if cp, err = r.restart(ctx, task, &restarts, err); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if err := r.advance(ctx, task, cp, PhaseReconcileDelete); err != nil {
				return err
			}

		case PhaseReconcileDelete:
			progress(reconcilePct, msg("reconciling %s", task.SourceIndex))
			if err := r.reconcile(ctx, task); err != nil {
				return err
			}
			if err := r.checkpoints.remove(ctx, task); err != nil {
				return err
			}
			log.Printf("reindex: %s completed", task)
			progress(donePercent, nil)
			return nil

		default:
			return ikerrors.NewMigrationError(ikerrors.CodeCheckpointFailed,
				fmt.Sprintf("unknown checkpoint phase %q", cp.Phase), nil)
		}
	}
}

// restart discards the checkpoint after the store lost the cursor; the first
// pass then starts over. Writes are idempotent so nothing is duplicated.
func (r *Reindexer) restart(ctx context.Context, task Task, restarts *int, cause error) (*Checkpoint, error) {
	*restarts++
	if *restarts > maxPassRestarts {
		return nil, ikerrors.NewMigrationError(ikerrors.CodeCursorExpired,
			fmt.Sprintf("cursor expired %d times", *restarts), cause)
	}
	log.Printf("reindex: cursor for %s expired, restarting first pass: %v", task, cause)
	if err := r.checkpoints.remove(ctx, task); err != nil {
		return nil, err
	}
	return &Checkpoint{Phase: PhaseFirstPass}, nil
}

func (r *Reindexer) advance(ctx context.Context, task Task, cp *Checkpoint, next Phase) error {
	cp.Phase = next
	cp.CursorToken = ""
	cp.CompletedCount = 0
	cp.Total = 0
	return r.checkpoints.save(ctx, task, cp)
}

// pass copies every document matching filter from source to destination,
// checkpointing after each batch.
func (r *Reindexer) pass(ctx context.Context, task Task, cp *Checkpoint, filter *store.Filter,
	name string, startPct, endPct int, progress ProgressFunc) error {

	var page *store.Page
	var err error
	if cp.CursorToken == "" {
		total, cerr := r.store.Count(ctx, task.SourceIndex, filter)
		if cerr != nil {
			return storeErr("count "+task.SourceIndex, cerr)
		}
		cp.Total = total
		page, err = r.store.ScrollOpen(ctx, task.SourceIndex, filter, r.opts.BatchSize)
	} else {
		page, err = r.store.ScrollNext(ctx, cp.CursorToken)
	}

	for {
		if err != nil {
			if errors.Is(err, store.ErrCursorExpired) {
				return err
			}
			return storeErr("scroll "+task.SourceIndex, err)
		}
		if len(page.Docs) == 0 {
			_ = r.store.ScrollClose(ctx, page.Cursor)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.writeBatch(ctx, task, page.Docs); err != nil {
			return err
		}

		cp.CompletedCount += int64(len(page.Docs))
		cp.CursorToken = page.Cursor
		if err := r.checkpoints.save(ctx, task, cp); err != nil {
			return err
		}
		progress(percentAt(startPct, endPct, cp.CompletedCount, cp.Total),
			msg("%s: %d/%d documents", name, cp.CompletedCount, cp.Total))

		page, err = r.store.ScrollNext(ctx, page.Cursor)
	}
}

func percentAt(start, end int, completed, total int64) int {
	if total <= 0 || completed >= total {
		return end
	}
	return start + int(int64(end-start)*completed/total)
}

// writeBatch bulk-writes docs, retries failures one by one and sends what
// still fails to the error index.
func (r *Reindexer) writeBatch(ctx context.Context, task Task, docs []store.Document) error {
	started := time.Now()
	defer func() { batchDuration.Observe(time.Since(started).Seconds()) }()

	out := make([]store.Document, len(docs))
	for i, d := range docs {
		out[i] = transform(task, d)
	}

	results, err := r.store.BulkWrite(ctx, task.DestIndex, out)
	if err != nil {
		log.Printf("reindex: bulk write to %s failed, retrying %d documents individually: %v",
			task.DestIndex, len(out), err)
		results = make([]store.BulkResult, len(out))
		for i := range out {
			results[i] = store.BulkResult{ID: out[i].ID, Err: err}
		}
	}

	errorIndexReady := false
	for i := range out {
		res := store.BulkResult{ID: out[i].ID, Err: errMissingResult}
		if i < len(results) {
			res = results[i]
		}
		if res.OK() {
			documentsCopiedTotal.Inc()
			continue
		}

		documentRetriesTotal.Inc()
		retryErr := r.store.IndexDocument(ctx, task.DestIndex, out[i])
		if retryErr == nil || errors.Is(retryErr, store.ErrVersionConflict) {
			documentsCopiedTotal.Inc()
			continue
		}

		if !errorIndexReady {
			if err := r.ensureErrorIndex(ctx, task); err != nil {
				return err
			}
			errorIndexReady = true
		}
		if err := r.writeError(ctx, task, out[i], retryErr); err != nil {
			return err
		}
		documentsFailedTotal.Inc()
	}
	return nil
}

// transform applies the migration script to a copy of d and resolves its parent.
func transform(task Task, d store.Document) store.Document {
	out := store.Document{
		ID:      d.ID,
		Type:    d.Type,
		Version: d.Version,
		Parent:  d.Parent,
		Source:  cloneSource(d.Source),
	}
	if out.Version <= 0 {
		out.Version = 1
	}
	task.Script.Apply(&out)
	if path, ok := task.ParentPathByType[out.Type]; ok {
		if parent, ok := store.StringAt(out.Source, path); ok {
			out.Parent = parent
		}
	}
	return out
}

func cloneSource(src map[string]any) map[string]any {
	raw, err := json.Marshal(src)
	if err != nil {
		out := make(map[string]any, len(src))
		for k, v := range src {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func (r *Reindexer) ensureErrorIndex(ctx context.Context, task Task) error {
	name := naming.ErrorIndex(task.DestIndex)
	err := r.store.CreateIndex(ctx, name, store.Definition{})
	if err != nil && !store.IsExists(err) {
		return ikerrors.NewMigrationError(ikerrors.CodeErrorIndexWriteFailed,
			"failed to create error index "+name, err)
	}
	return nil
}

// writeError stores a sanitized copy of a document that could not be written.
func (r *Reindexer) writeError(ctx context.Context, task Task, doc store.Document, cause error) error {
	content, err := json.Marshal(doc.Source)
	if err != nil {
		content = []byte(fmt.Sprintf("%v", doc.Source))
	}
	entry := store.Document{
		ID:   doc.ID,
		Type: "reindex_error",
		Source: map[string]any{
			"document_type": doc.Type,
			"content":       string(content),
			"parent":        doc.Parent,
			"error":         cause.Error(),
			"source_index":  task.SourceIndex,
			"failed_at":     r.opts.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	name := naming.ErrorIndex(task.DestIndex)
	if err := r.store.IndexDocument(ctx, name, entry); err != nil {
		return ikerrors.NewMigrationError(ikerrors.CodeErrorIndexWriteFailed,
			fmt.Sprintf("failed to write document %s to %s", doc.ID, name), err).
			WithDetails(map[string]interface{}{"document_id": doc.ID, "cause": cause.Error()})
	}
	log.Printf("reindex: document %s could not be written to %s, copied to %s: %v",
		doc.ID, task.DestIndex, name, cause)
	return nil
}

// cutover moves every alias on the source to the destination in one request.
func (r *Reindexer) cutover(ctx context.Context, task Task) error {
	if task.SourceIndex == task.DestIndex {
		return nil
	}

	infos, err := r.store.ListIndices(ctx, task.SourceIndex)
	if err != nil {
		return storeErr("list "+task.SourceIndex, err)
	}
	var actions []store.AliasAction
	moved := map[string]bool{}
	for _, info := range infos {
		if info.Name != task.SourceIndex {
			continue
		}
		for _, alias := range info.Aliases {
			actions = append(actions,
				store.AliasAction{Op: store.AliasRemove, Index: task.SourceIndex, Alias: alias},
				store.AliasAction{Op: store.AliasAdd, Index: task.DestIndex, Alias: alias},
			)
			moved[alias] = true
		}
	}
	if task.Alias != "" && !moved[task.Alias] {
		actions = append(actions, store.AliasAction{Op: store.AliasAdd, Index: task.DestIndex, Alias: task.Alias})
	}
	if len(actions) == 0 {
		return nil
	}

	if err := r.store.UpdateAliases(ctx, actions); err != nil {
		return ikerrors.NewStoreError(ikerrors.CodeAliasUpdateFailed,
			fmt.Sprintf("alias cutover %s -> %s failed", task.SourceIndex, task.DestIndex), err)
	}
	log.Printf("reindex: moved %d aliases from %s to %s", len(moved), task.SourceIndex, task.DestIndex)
	return nil
}

// reconcile deletes the source and its error index once the destination holds
// at least as many documents. A short destination keeps the source in place.
func (r *Reindexer) reconcile(ctx context.Context, task Task) error {
	if !task.DeleteSourceOnSuccess || task.SourceIndex == task.DestIndex {
		return nil
	}

	sourceCount, err := r.store.Count(ctx, task.SourceIndex, nil)
	if errors.Is(err, store.ErrIndexNotFound) {
		return nil
	}
	if err != nil {
		return storeErr("count "+task.SourceIndex, err)
	}
	destCount, err := r.store.Count(ctx, task.DestIndex, nil)
	if err != nil {
		return storeErr("count "+task.DestIndex, err)
	}
	if destCount < sourceCount {
		log.Printf("reindex: keeping %s: %s has %d documents, source has %d",
			task.SourceIndex, task.DestIndex, destCount, sourceCount)
		return nil
	}

	for _, name := range []string{task.SourceIndex, naming.ErrorIndex(task.SourceIndex)} {
		if err := r.store.DeleteIndex(ctx, name); err != nil && !errors.Is(err, store.ErrIndexNotFound) {
			return ikerrors.NewStoreError(ikerrors.CodeIndexDeleteFailed, "failed to delete "+name, err)
		}
	}
	log.Printf("reindex: deleted %s (%d documents migrated)", task.SourceIndex, destCount)
	return nil
}

func storeErr(op string, err error) error {
	var ie *ikerrors.IndexError
	if errors.As(err, &ie) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ikerrors.NewStoreError(ikerrors.CodeStoreUnavailable, op, err)
}

func msg(format string, args ...any) *string {
	s := fmt.Sprintf(format, args...)
	return &s
}
