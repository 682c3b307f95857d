package descriptor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/arkilian/indexkeeper/internal/naming"
	"github.com/arkilian/indexkeeper/internal/reindex"
	"github.com/arkilian/indexkeeper/internal/store"
)

var (
	memoHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexkeeper_partition_memo_hits_total",
		Help: "Total EnsureIndex calls answered by the in-process partition memo.",
	})
	memoMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexkeeper_partition_memo_misses_total",
		Help: "Total EnsureIndex calls that missed the in-process partition memo.",
	})
	partitionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexkeeper_partitions_created_total",
		Help: "Total partitions created by EnsureIndex.",
	})
	partitionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexkeeper_partitions_expired_total",
		Help: "Total expired partitions deleted by maintenance.",
	})
)

const (
	defaultMemoSize = 1024
	defaultMemoTTL  = time.Hour
)

// partitioning holds the state of the time-partitioning capability.
type partitioning struct {
	// memo maps a date alias to its partition expiration. Entries are also
	// dropped once that expiration passes.
	memo *expirable.LRU[string, time.Time]
}

func newPartitioning(deps Deps) *partitioning {
	size := deps.MemoSize
	if size <= 0 {
		size = defaultMemoSize
	}
	ttl := deps.MemoTTL
	if ttl <= 0 {
		ttl = defaultMemoTTL
	}
	return &partitioning{memo: expirable.NewLRU[string, time.Time](size, nil, ttl)}
}

func partitionCacheKey(alias string) string {
	return "partition:" + alias
}

// periodStart truncates t to the start of its day or month in UTC.
func (c Config) periodStart(t time.Time) time.Time {
	t = t.UTC()
	if c.Period == PeriodMonthly {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (c Config) nextPeriod(start time.Time) time.Time {
	if c.Period == PeriodMonthly {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}

// periodEnd is the last instant of the period containing t.
func (c Config) periodEnd(t time.Time) time.Time {
	return c.nextPeriod(c.periodStart(t)).Add(-time.Nanosecond)
}

// PartitionExpiration returns when the partition for date expires, or
// naming.MaxDate when partitions never expire.
func (ix *Index) PartitionExpiration(date time.Time) time.Time {
	if ix.cfg.MaxIndexAge <= 0 {
		return naming.MaxDate
	}
	return ix.cfg.periodEnd(date).Add(ix.cfg.MaxIndexAge)
}

func (ix *Index) dateAlias(date time.Time) string {
	return naming.DateAlias(ix.cfg.Name, date, ix.cfg.Layout)
}

// shouldAttach reports whether a partition for date belongs in tier at now.
func (ix *Index) shouldAttach(tier Tier, date, now time.Time) bool {
	if tier.MaxAge == 0 {
		return true
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return !today.Add(-tier.MaxAge).After(ix.cfg.periodEnd(date))
}

// partitionAliases returns the aliases a new partition for date gets at now.
func (ix *Index) partitionAliases(date, now time.Time) []string {
	aliases := []string{ix.cfg.Name, ix.dateAlias(date)}
	for _, tier := range ix.cfg.Tiers {
		if ix.shouldAttach(tier, date, now) {
			aliases = append(aliases, naming.TierAlias(ix.cfg.Name, tier.Name))
		}
	}
	return aliases
}

func (ix *Index) requirePartitioned() error {
	if ix.partitions == nil {
		return ikerrors.NewValidationError(ikerrors.CodeInvalidDescriptor,
			fmt.Sprintf("index %q is not time-partitioned", ix.cfg.Name))
	}
	return nil
}

// EnsureIndex makes sure the partition for date's period exists. Expired
// periods are rejected and nothing is created.
func (ix *Index) EnsureIndex(ctx context.Context, date time.Time) error {
	if err := ix.requirePartitioned(); err != nil {
		return err
	}
	now := ix.now().UTC()
	expires := ix.PartitionExpiration(date)
	if now.After(expires) {
		return ikerrors.NewValidationError(ikerrors.CodePartitionExpired,
			fmt.Sprintf("partition %s expired at %s", ix.dateAlias(date), expires.Format(time.RFC3339))).
			WithDetails(map[string]interface{}{"date": date.UTC().Format(ix.cfg.Layout)})
	}

	alias := ix.dateAlias(date)
	if exp, ok := ix.partitions.memo.Get(alias); ok && !now.After(exp) {
		memoHitsTotal.Inc()
		return nil
	}
	memoMissesTotal.Inc()

	key := partitionCacheKey(alias)
	if _, ok, err := ix.cache.Get(ctx, key); err != nil {
		log.Printf("descriptor: partition cache lookup for %s failed: %v", alias, err)
	} else if ok {
		ix.partitions.memo.Add(alias, expires)
		return nil
	}

	exists, err := ix.store.AliasExists(ctx, alias)
	if err != nil {
		return ikerrors.NewStoreError(ikerrors.CodeStoreUnavailable, "failed to check alias "+alias, err)
	}
	if !exists {
		name := naming.PartitionedName(ix.cfg.Name, ix.cfg.Version, date, ix.cfg.Layout)
		def := ix.cfg.Definition()
		def.Aliases = ix.partitionAliases(date, now)
		if err := ix.store.CreateIndex(ctx, name, def); err != nil {
			if !store.IsExists(err) {
				return ikerrors.NewStoreError(ikerrors.CodeIndexCreateFailed, "failed to create partition "+name, err)
			}
		} else {
			partitionsCreatedTotal.Inc()
			log.Printf("descriptor: created partition %s aliases=%v", name, def.Aliases)
		}
	}

	ix.remember(ctx, alias, expires, now)
	return nil
}

func (ix *Index) remember(ctx context.Context, alias string, expires, now time.Time) {
	ix.partitions.memo.Add(alias, expires)
	var ttl time.Duration
	if !expires.Equal(naming.MaxDate) {
		ttl = expires.Sub(now)
	}
	if err := ix.cache.Set(ctx, partitionCacheKey(alias), []byte(expires.Format(time.RFC3339Nano)), ttl); err != nil {
		log.Printf("descriptor: failed to cache partition %s: %v", alias, err)
	}
}

func (ix *Index) forget(ctx context.Context, date time.Time) {
	alias := ix.dateAlias(date)
	ix.partitions.memo.Remove(alias)
	if err := ix.cache.Remove(ctx, partitionCacheKey(alias)); err != nil {
		log.Printf("descriptor: failed to evict cached partition %s: %v", alias, err)
	}
}

// GetPartitionsForRange returns the date aliases covering [start, end]. Both
// bounds default to now. Spans wider than MaxIndexAge, three months for
// daily or a year for monthly partitions return nothing.
func (ix *Index) GetPartitionsForRange(start, end *time.Time) []string {
	if ix.partitions == nil {
		return []string{ix.cfg.Name}
	}
	now := ix.now().UTC()
	from := now
	if start != nil {
		from = start.UTC()
	}
	to := now
	if end != nil && !end.Before(from) {
		to = end.UTC()
	}

	if ix.cfg.MaxIndexAge > 0 && to.Sub(from) > ix.cfg.MaxIndexAge {
		return nil
	}
	switch ix.cfg.Period {
	case PeriodDaily:
		if !from.After(to.AddDate(0, -3, 0)) {
			return nil
		}
	case PeriodMonthly:
		if from.Before(to.AddDate(-1, 0, 0)) {
			return nil
		}
	}

	var aliases []string
	for cur := ix.cfg.periodStart(from); !cur.After(to); cur = ix.cfg.nextPeriod(cur) {
		aliases = append(aliases, ix.dateAlias(cur))
	}
	return aliases
}

// MaintenanceResult reports what partition maintenance changed.
type MaintenanceResult struct {
	AliasActions      []store.AliasAction `json:"alias_actions"`
	DeletedPartitions []string            `json:"deleted_partitions"`
}

// MaintainPartitions reconciles partition aliases and, when includeOptional
// is set, deletes expired partitions with their error indices.
//
// For every partition date the version the date alias resolves to is current:
// it alone carries the date alias and the tiered aliases it qualifies for.
// A date whose alias resolves nowhere is healed onto its oldest version. All
// alias changes go to the store in one request.
func (ix *Index) MaintainPartitions(ctx context.Context, includeOptional bool) (*MaintenanceResult, error) {
	if err := ix.requirePartitioned(); err != nil {
		return nil, err
	}
	parts, err := ix.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}
	now := ix.now().UTC()
	result := &MaintenanceResult{}

	for _, group := range groupByDate(parts) {
		date := group[0].PartitionDate
		expired := now.After(ix.PartitionExpiration(date))
		// A reindex cutover moves the date alias forward; follow it.
		current := group[0].CurrentVersion
		if current <= 0 {
			// group is sorted by version, so the first entry is the oldest.
			current = group[0].SchemaVersion
		}
		dateAlias := ix.dateAlias(date)

		for _, p := range group {
			isCurrent := !expired && p.SchemaVersion == current
			has := make(map[string]bool, len(p.Aliases))
			for _, a := range p.Aliases {
				has[a] = true
			}
			apply := func(alias string, want bool) {
				switch {
				case want && !has[alias]:
					result.AliasActions = append(result.AliasActions,
						store.AliasAction{Op: store.AliasAdd, Index: p.PhysicalName, Alias: alias})
				case !want && has[alias]:
					result.AliasActions = append(result.AliasActions,
						store.AliasAction{Op: store.AliasRemove, Index: p.PhysicalName, Alias: alias})
				}
			}

			if !expired {
				apply(dateAlias, isCurrent)
			}
			for _, tier := range ix.cfg.Tiers {
				apply(naming.TierAlias(ix.cfg.Name, tier.Name), isCurrent && ix.shouldAttach(tier, date, now))
			}
		}
	}

	if len(result.AliasActions) > 0 {
		if err := ix.store.UpdateAliases(ctx, result.AliasActions); err != nil {
			return nil, ikerrors.NewStoreError(ikerrors.CodeAliasUpdateFailed,
				fmt.Sprintf("failed to reconcile aliases of %s", ix.cfg.Name), err)
		}
		log.Printf("descriptor: %s: applied %d alias changes", ix.cfg.Name, len(result.AliasActions))
	}

	if !includeOptional {
		return result, nil
	}

	for _, p := range parts {
		if !naming.IsPartitioned(p.PartitionDate) || !now.After(ix.PartitionExpiration(p.PartitionDate)) {
			continue
		}
		for _, name := range []string{p.PhysicalName, naming.ErrorIndex(p.PhysicalName)} {
			if err := ix.store.DeleteIndex(ctx, name); err != nil && !errors.Is(err, store.ErrIndexNotFound) {
				return result, ikerrors.NewStoreError(ikerrors.CodeIndexDeleteFailed, "failed to delete expired partition "+name, err)
			}
		}
		ix.forget(ctx, p.PartitionDate)
		partitionsExpiredTotal.Inc()
		result.DeletedPartitions = append(result.DeletedPartitions, p.PhysicalName)
	}
	if len(result.DeletedPartitions) > 0 {
		log.Printf("descriptor: %s: deleted %d expired partitions", ix.cfg.Name, len(result.DeletedPartitions))
	}
	return result, nil
}

// groupByDate splits sorted partitions into runs sharing a partition date.
// Names without a date are skipped.
func groupByDate(parts []PartitionInfo) [][]PartitionInfo {
	var groups [][]PartitionInfo
	for _, p := range parts {
		if !naming.IsPartitioned(p.PartitionDate) {
			continue
		}
		n := len(groups)
		if n > 0 && groups[n-1][0].PartitionDate.Equal(p.PartitionDate) {
			groups[n-1] = append(groups[n-1], p)
			continue
		}
		groups = append(groups, []PartitionInfo{p})
	}
	return groups
}

// currentPartitionedVersion is the lowest current version across unexpired partitions.
func (ix *Index) currentPartitionedVersion(ctx context.Context) (int, error) {
	parts, err := ix.ListPartitions(ctx)
	if err != nil {
		return 0, err
	}
	now := ix.now().UTC()
	found := false
	lowest := ix.cfg.Version
	for _, p := range parts {
		if !naming.IsPartitioned(p.PartitionDate) || now.After(ix.PartitionExpiration(p.PartitionDate)) {
			continue
		}
		v := p.CurrentVersion
		if v <= 0 {
			v = p.SchemaVersion
		}
		if !found || v < lowest {
			lowest = v
			found = true
		}
	}
	return lowest, nil
}

// pendingPartitionTasks returns one task per unexpired partition date whose
// current version is behind the declared one.
func (ix *Index) pendingPartitionTasks(ctx context.Context) ([]reindex.Task, error) {
	parts, err := ix.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}
	now := ix.now().UTC()

	var tasks []reindex.Task
	for _, group := range groupByDate(parts) {
		date := group[0].PartitionDate
		expires := ix.PartitionExpiration(date)
		if now.After(expires) {
			continue
		}
		current := group[0].CurrentVersion
		if current <= 0 {
			current = group[0].SchemaVersion
		}
		if current >= ix.cfg.Version {
			continue
		}

		source := naming.PartitionedName(ix.cfg.Name, current, date, ix.cfg.Layout)
		dest := naming.PartitionedName(ix.cfg.Name, ix.cfg.Version, date, ix.cfg.Layout)
		task := ix.newTask(source, dest, ix.dateAlias(date), current)
		if !expires.Equal(naming.MaxDate) {
			task.Expires = &expires
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
