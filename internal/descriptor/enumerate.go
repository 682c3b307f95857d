package descriptor

import (
	"context"
	"sort"
	"strings"
	"time"

	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/arkilian/indexkeeper/internal/naming"
)

// PartitionInfo describes one physical index found in the store catalog.
// It is recomputed on demand and never persisted.
type PartitionInfo struct {
	PhysicalName  string    `json:"physical_name"`
	SchemaVersion int       `json:"schema_version"`
	PartitionDate time.Time `json:"partition_date"`
	// CurrentVersion is the version the authoritative alias (primary alias,
	// or date alias for partitions) resolves to; 0 when it resolves nowhere.
	CurrentVersion int      `json:"current_version"`
	Aliases        []string `json:"aliases,omitempty"`
}

// ListPartitions enumerates the physical indices of the descriptor, sorted
// by partition date then version. Error indices are skipped. Indices of a
// non-partitioned descriptor carry naming.MaxDate.
func (ix *Index) ListPartitions(ctx context.Context) ([]PartitionInfo, error) {
	infos, err := ix.store.ListIndices(ctx, naming.Pattern(ix.cfg.Name))
	if err != nil {
		return nil, ikerrors.NewStoreError(ikerrors.CodeCatalogFailed, "failed to list indices of "+ix.cfg.Name, err)
	}

	var parts []PartitionInfo
	current := make(map[time.Time]int)
	for _, info := range infos {
		if strings.HasSuffix(info.Name, naming.ErrorSuffix) {
			continue
		}
		if logical, ok := naming.LogicalName(info.Name); !ok || logical != ix.cfg.Name {
			continue
		}
		version, ok := naming.ParseVersion(info.Name)
		if !ok {
			continue
		}
		date := naming.MaxDate
		if ix.cfg.Partitioned() {
			date = naming.ParseDate(info.Name, ix.cfg.Layout)
		}

		authoritative := ix.cfg.Name
		if naming.IsPartitioned(date) {
			authoritative = ix.dateAlias(date)
		}
		for _, a := range info.Aliases {
			if a != authoritative {
				continue
			}
			if v, seen := current[date]; !seen || version < v {
				current[date] = version
			}
		}

		parts = append(parts, PartitionInfo{
			PhysicalName:  info.Name,
			SchemaVersion: version,
			PartitionDate: date,
			Aliases:       append([]string(nil), info.Aliases...),
		})
	}

	for i := range parts {
		parts[i].CurrentVersion = current[parts[i].PartitionDate]
	}
	sort.Slice(parts, func(i, j int) bool {
		if !parts[i].PartitionDate.Equal(parts[j].PartitionDate) {
			return parts[i].PartitionDate.Before(parts[j].PartitionDate)
		}
		return parts[i].SchemaVersion < parts[j].SchemaVersion
	})
	return parts, nil
}
