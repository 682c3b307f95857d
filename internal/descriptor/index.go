package descriptor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/arkilian/indexkeeper/internal/cache"
	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/arkilian/indexkeeper/internal/naming"
	"github.com/arkilian/indexkeeper/internal/reindex"
	"github.com/arkilian/indexkeeper/internal/script"
	"github.com/arkilian/indexkeeper/internal/store"
)

// Deps are the collaborators of a descriptor.
type Deps struct {
	Store     store.Store
	Cache     cache.Cache
	Reindexer *reindex.Reindexer

	// Now returns the current time (default: time.Now).
	Now func() time.Time

	// MemoSize bounds the in-process partition memo (default: 1024 entries).
	MemoSize int
	// MemoTTL bounds how long a memo entry is trusted (default: 1h).
	MemoTTL time.Duration
}

// Index is the runtime form of a descriptor.
type Index struct {
	cfg       Config
	store     store.Store
	cache     cache.Cache
	reindexer *reindex.Reindexer
	now       func() time.Time

	// partitions is nil for non-partitioned descriptors.
	partitions *partitioning
}

// New creates the runtime descriptor for cfg.
func New(cfg Config, deps Deps) *Index {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory()
	}
	if deps.Reindexer == nil {
		deps.Reindexer = reindex.New(deps.Store, deps.Cache, reindex.DefaultOptions())
	}
	ix := &Index{
		cfg:       cfg,
		store:     deps.Store,
		cache:     deps.Cache,
		reindexer: deps.Reindexer,
		now:       deps.Now,
	}
	if cfg.Partitioned() {
		ix.partitions = newPartitioning(deps)
	}
	return ix
}

// Name returns the logical name.
func (ix *Index) Name() string { return ix.cfg.Name }

// Config returns the descriptor configuration.
func (ix *Index) Config() Config { return ix.cfg }

// Configure creates the physical index of the declared version. It gets the
// primary alias when no index holds the alias yet. For partitioned indices
// the partition for the current period is ensured instead.
func (ix *Index) Configure(ctx context.Context) error {
	if ix.partitions != nil {
		return ix.EnsureIndex(ctx, ix.now())
	}

	hasAlias, err := ix.store.AliasExists(ctx, ix.cfg.Name)
	if err != nil {
		return ikerrors.NewStoreError(ikerrors.CodeStoreUnavailable, "failed to check alias "+ix.cfg.Name, err)
	}
	def := ix.cfg.Definition()
	if !hasAlias {
		def.Aliases = []string{ix.cfg.Name}
	}

	name := ix.cfg.VersionedName()
	if err := ix.store.CreateIndex(ctx, name, def); err != nil {
		if store.IsExists(err) {
			return nil
		}
		return ikerrors.NewStoreError(ikerrors.CodeIndexCreateFailed, "failed to create index "+name, err)
	}
	log.Printf("descriptor: created index %s (primary alias: %t)", name, !hasAlias)
	return nil
}

// GetCurrentVersion resolves the authoritative schema version: the version
// behind the primary alias, else the lowest version present, else the
// declared version.
func (ix *Index) GetCurrentVersion(ctx context.Context) (int, error) {
	if ix.partitions != nil {
		return ix.currentPartitionedVersion(ctx)
	}

	targets, err := ix.store.GetAliasTargets(ctx, ix.cfg.Name)
	if err != nil && !store.IsNotFound(err) {
		return 0, ikerrors.NewStoreError(ikerrors.CodeStoreUnavailable, "failed to resolve alias "+ix.cfg.Name, err)
	}
	if v, ok := lowestVersion(targets); ok {
		return v, nil
	}

	parts, err := ix.ListPartitions(ctx)
	if err != nil {
		return 0, err
	}
	if len(parts) == 0 {
		return ix.cfg.Version, nil
	}
	lowest := parts[0].SchemaVersion
	for _, p := range parts[1:] {
		if p.SchemaVersion < lowest {
			lowest = p.SchemaVersion
		}
	}
	return lowest, nil
}

func lowestVersion(names []string) (int, bool) {
	found := false
	lowest := 0
	for _, n := range names {
		v, ok := naming.ParseVersion(n)
		if !ok {
			continue
		}
		if !found || v < lowest {
			lowest = v
			found = true
		}
	}
	return lowest, found
}

// CreateReindexTask builds the task migrating Name-v{current} to the declared version.
func (ix *Index) CreateReindexTask(current int) reindex.Task {
	source := naming.VersionedName(ix.cfg.Name, current)
	dest := ix.cfg.VersionedName()
	return ix.newTask(source, dest, ix.cfg.Name, current)
}

func (ix *Index) newTask(source, dest, alias string, current int) reindex.Task {
	return reindex.Task{
		SourceIndex:           source,
		DestIndex:             dest,
		Alias:                 alias,
		Script:                script.NewChain(script.Select(ix.cfg.Scripts, current, ix.cfg.Version)),
		TimestampField:        ix.cfg.TimestampField(),
		ParentPathByType:      ix.cfg.ParentPathByType(),
		DeleteSourceOnSuccess: source != dest,
	}
}

// Maintain runs periodic housekeeping. Non-partitioned indices re-create a
// missing primary alias on the oldest physical version. Partitioned indices
// reconcile partition aliases and, with includeOptional, delete expired
// partitions.
func (ix *Index) Maintain(ctx context.Context, includeOptional bool) error {
	if ix.partitions != nil {
		_, err := ix.MaintainPartitions(ctx, includeOptional)
		return err
	}

	exists, err := ix.store.AliasExists(ctx, ix.cfg.Name)
	if err != nil {
		return ikerrors.NewStoreError(ikerrors.CodeStoreUnavailable, "failed to check alias "+ix.cfg.Name, err)
	}
	if exists {
		return nil
	}

	parts, err := ix.ListPartitions(ctx)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return nil
	}
	oldest := parts[0]
	for _, p := range parts[1:] {
		if p.SchemaVersion < oldest.SchemaVersion {
			oldest = p
		}
	}
	if err := store.AddAlias(ctx, ix.store, ix.cfg.Name, oldest.PhysicalName); err != nil {
		return ikerrors.NewStoreError(ikerrors.CodeAliasUpdateFailed,
			fmt.Sprintf("failed to restore alias %s on %s", ix.cfg.Name, oldest.PhysicalName), err)
	}
	log.Printf("descriptor: restored alias %s -> %s", ix.cfg.Name, oldest.PhysicalName)
	return nil
}

// PendingTasks returns a reindex task for every version gap.
func (ix *Index) PendingTasks(ctx context.Context) ([]reindex.Task, error) {
	if ix.partitions != nil {
		return ix.pendingPartitionTasks(ctx)
	}
	current, err := ix.GetCurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if current >= ix.cfg.Version {
		return nil, nil
	}
	return []reindex.Task{ix.CreateReindexTask(current)}, nil
}

// Reindex runs every pending task in turn, creating destination indices
// first. Progress of several tasks is reported as one 0..100 range and the
// final call is (100, nil).
func (ix *Index) Reindex(ctx context.Context, progress reindex.ProgressFunc) error {
	if progress == nil {
		progress = func(int, *string) {}
	}
	tasks, err := ix.PendingTasks(ctx)
	if err != nil {
		return err
	}
	for i, task := range tasks {
		if err := ix.Run(ctx, task, scaleProgress(progress, i, len(tasks), task.DestIndex)); err != nil {
			return err
		}
	}
	progress(100, nil)
	return nil
}

// Run creates the destination of task when missing and executes it.
func (ix *Index) Run(ctx context.Context, task reindex.Task, progress reindex.ProgressFunc) error {
	if err := ix.store.CreateIndex(ctx, task.DestIndex, ix.cfg.Definition()); err != nil && !store.IsExists(err) {
		return ikerrors.NewStoreError(ikerrors.CodeIndexCreateFailed, "failed to create index "+task.DestIndex, err)
	}
	return ix.reindexer.Run(ctx, task, progress)
}

// scaleProgress maps the progress of task i of n into its slice of 0..100.
// The per-task (100, nil) call becomes a message naming the finished index.
func scaleProgress(progress reindex.ProgressFunc, i, n int, dest string) reindex.ProgressFunc {
	return func(percent int, message *string) {
		overall := (i*100 + percent) / n
		if message == nil {
			m := fmt.Sprintf("reindexed %s (%d/%d)", dest, i+1, n)
			message = &m
			if overall >= 100 {
				overall = 99
			}
		}
		progress(overall, message)
	}
}

// Delete drops every physical index of the descriptor, error indices included.
func (ix *Index) Delete(ctx context.Context) error {
	infos, err := ix.store.ListIndices(ctx, naming.Pattern(ix.cfg.Name))
	if err != nil {
		return ikerrors.NewStoreError(ikerrors.CodeCatalogFailed, "failed to list indices of "+ix.cfg.Name, err)
	}
	for _, info := range infos {
		if logical, ok := naming.LogicalName(info.Name); !ok || logical != ix.cfg.Name {
			continue
		}
		if err := ix.store.DeleteIndex(ctx, info.Name); err != nil && !errors.Is(err, store.ErrIndexNotFound) {
			return ikerrors.NewStoreError(ikerrors.CodeIndexDeleteFailed, "failed to delete index "+info.Name, err)
		}
		log.Printf("descriptor: deleted index %s", info.Name)
		if ix.partitions != nil {
			if date := naming.ParseDate(info.Name, ix.cfg.Layout); naming.IsPartitioned(date) {
				ix.forget(ctx, date)
			}
		}
	}
	if ix.partitions != nil {
		ix.partitions.memo.Purge()
	}
	return nil
}
