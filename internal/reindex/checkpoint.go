package reindex

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arkilian/indexkeeper/internal/cache"
	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
)

// Phase is a reindex state.
type Phase string

const (
	PhaseFirstPass       Phase = "first_pass"
	PhaseAliasCutover    Phase = "alias_cutover"
	PhaseSecondPass      Phase = "second_pass"
	PhaseReconcileDelete Phase = "reconcile_delete"
)

// Checkpoint is the persisted progress of one task. CursorToken is the
// position after the last fully written batch.
type Checkpoint struct {
	Phase              Phase     `json:"phase"`
	CursorToken        string    `json:"cursor_token,omitempty"`
	CompletedCount     int64     `json:"completed_count"`
	Total              int64     `json:"total"`
	FirstPassStartedAt time.Time `json:"first_pass_started_at"`
}

// percent is the progress the checkpoint stands for.
func (cp *Checkpoint) percent() int {
	switch cp.Phase {
	case PhaseFirstPass:
		if cp.CursorToken == "" {
			return firstPassStart
		}
		return percentAt(firstPassStart, firstPassEnd, cp.CompletedCount, cp.Total)
	case PhaseAliasCutover:
		return firstPassEnd
	case PhaseSecondPass:
		if cp.CursorToken == "" {
			return cutoverPercent
		}
		return percentAt(cutoverPercent, secondPassEnd, cp.CompletedCount, cp.Total)
	}
	return secondPassEnd
}

// CheckpointKey is the cache key for task's checkpoint.
func CheckpointKey(task Task) string {
	return "reindex:checkpoint:" + task.Identity()
}

type checkpoints struct {
	cache cache.Cache
	now   func() time.Time
}

func (c checkpoints) load(ctx context.Context, task Task) (*Checkpoint, error) {
	raw, ok, err := c.cache.Get(ctx, CheckpointKey(task))
	if err != nil {
		return nil, ikerrors.NewMigrationError(ikerrors.CodeCheckpointFailed, "failed to load checkpoint", err)
	}
	if !ok {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil || cp.Phase == "" {
		// Unreadable checkpoints are treated as absent.
		return nil, nil
	}
	return &cp, nil
}

func (c checkpoints) save(ctx context.Context, task Task, cp *Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return ikerrors.NewMigrationError(ikerrors.CodeCheckpointFailed, "failed to encode checkpoint", err)
	}
	var ttl time.Duration
	if task.Expires != nil {
		ttl = task.Expires.Sub(c.now())
		if ttl <= 0 {
			ttl = time.Second
		}
	}
	if err := c.cache.Set(ctx, CheckpointKey(task), raw, ttl); err != nil {
		return ikerrors.NewMigrationError(ikerrors.CodeCheckpointFailed, "failed to save checkpoint", err)
	}
	return nil
}

func (c checkpoints) remove(ctx context.Context, task Task) error {
	if err := c.cache.Remove(ctx, CheckpointKey(task)); err != nil {
		return ikerrors.NewMigrationError(ikerrors.CodeCheckpointFailed, "failed to remove checkpoint", err)
	}
	return nil
}
