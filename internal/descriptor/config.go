// Package descriptor manages the lifecycle of schema-versioned and
// time-partitioned indices: creating physical indices and their aliases,
// resolving the current schema version, detecting version gaps and handing
// them to the reindexer.
//
// A descriptor is one immutable Config produced by a Builder. Behavior varies
// by the capabilities present: every descriptor is versioned, and a
// descriptor with a Period is also time-partitioned.
package descriptor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/arkilian/indexkeeper/internal/naming"
	"github.com/arkilian/indexkeeper/internal/script"
	"github.com/arkilian/indexkeeper/internal/store"
)

// Period is the calendar period of a time-partitioned descriptor.
type Period string

const (
	PeriodNone    Period = ""
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// DocumentType is a registered document type and the fields the lifecycle
// manager needs to know about it.
type DocumentType struct {
	Name    string
	Mapping map[string]any

	// TimestampField is the last-modified field used to scope the second reindex pass.
	TimestampField string

	// ParentType and ParentPath describe parent/child relations: ParentPath
	// is the dotted source path holding the parent document id.
	ParentType string
	ParentPath string
}

// Tier is a tiered retention alias such as "last7days". MaxAge 0 means unbounded.
type Tier struct {
	Name   string
	MaxAge time.Duration
}

// Config is the immutable description of one logical index.
type Config struct {
	Name    string
	Version int
	Types   []DocumentType
	Scripts []script.Script

	Period      Period
	Layout      string
	MaxIndexAge time.Duration
	Tiers       []Tier
}

// Partitioned reports whether the descriptor splits storage by calendar period.
func (c Config) Partitioned() bool {
	return c.Period != PeriodNone
}

// VersionedName returns the physical name of the declared version.
func (c Config) VersionedName() string {
	return naming.VersionedName(c.Name, c.Version)
}

// Definition returns the index definition without aliases.
func (c Config) Definition() store.Definition {
	def := store.Definition{}
	if len(c.Types) > 0 {
		def.Mappings = make(map[string]map[string]any, len(c.Types))
		for _, t := range c.Types {
			def.Mappings[t.Name] = t.Mapping
		}
	}
	return def
}

// TimestampField returns the first timestamp field declared by a document type.
func (c Config) TimestampField() string {
	for _, t := range c.Types {
		if t.TimestampField != "" {
			return t.TimestampField
		}
	}
	return ""
}

// ParentPathByType maps child document types to the path of their parent id.
func (c Config) ParentPathByType() map[string]string {
	var out map[string]string
	for _, t := range c.Types {
		if t.ParentPath == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[t.Name] = t.ParentPath
	}
	return out
}

// Builder collects descriptor settings. Build validates them and returns an immutable Config.
type Builder struct {
	cfg  Config
	errs []string
}

// NewBuilder starts a descriptor for the logical name. The version defaults to 1.
func NewBuilder(name string) *Builder {
	return &Builder{cfg: Config{Name: name, Version: 1}}
}

// Version sets the declared schema version.
func (b *Builder) Version(v int) *Builder {
	b.cfg.Version = v
	return b
}

// Type registers a document type.
func (b *Builder) Type(t DocumentType) *Builder {
	b.cfg.Types = append(b.cfg.Types, t)
	return b
}

// Script registers a migration script.
func (b *Builder) Script(s script.Script) *Builder {
	b.cfg.Scripts = append(b.cfg.Scripts, s)
	return b
}

// Daily partitions the index per calendar day.
func (b *Builder) Daily() *Builder {
	b.cfg.Period = PeriodDaily
	if b.cfg.Layout == "" || b.cfg.Layout == naming.MonthlyLayout {
		b.cfg.Layout = naming.DailyLayout
	}
	return b
}

// Monthly partitions the index per calendar month.
func (b *Builder) Monthly() *Builder {
	b.cfg.Period = PeriodMonthly
	if b.cfg.Layout == "" || b.cfg.Layout == naming.DailyLayout {
		b.cfg.Layout = naming.MonthlyLayout
	}
	return b
}

// MaxIndexAge sets how long after its period ends a partition expires. 0 means never.
func (b *Builder) MaxIndexAge(d time.Duration) *Builder {
	b.cfg.MaxIndexAge = d
	return b
}

// TieredAlias adds a retention alias name-<tier> covering partitions up to maxAge old.
func (b *Builder) TieredAlias(tier string, maxAge time.Duration) *Builder {
	b.cfg.Tiers = append(b.cfg.Tiers, Tier{Name: tier, MaxAge: maxAge})
	return b
}

// DateLayout overrides the partition date layout.
func (b *Builder) DateLayout(layout string) *Builder {
	b.cfg.Layout = layout
	return b
}

// Build validates the settings and returns the Config.
func (b *Builder) Build() (Config, error) {
	cfg := b.cfg
	var errs []string

	if cfg.Name == "" {
		errs = append(errs, "name is required")
	}
	if strings.ContainsAny(cfg.Name, "*, ") {
		errs = append(errs, fmt.Sprintf("name %q contains invalid characters", cfg.Name))
	}
	if cfg.Version < 1 {
		errs = append(errs, fmt.Sprintf("version must be positive, got %d", cfg.Version))
	}

	seen := make(map[string]bool)
	for _, t := range cfg.Types {
		if t.Name == "" {
			errs = append(errs, "document type name is required")
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Sprintf("document type %q registered twice", t.Name))
		}
		seen[t.Name] = true
	}

	for _, s := range cfg.Scripts {
		if s.Version > cfg.Version {
			errs = append(errs, fmt.Sprintf("script version %d is above declared version %d", s.Version, cfg.Version))
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if cfg.Partitioned() {
		if cfg.Layout == "" {
			errs = append(errs, "partitioned index requires a date layout")
		}
		if cfg.MaxIndexAge < 0 {
			errs = append(errs, "max index age must not be negative")
		}
		tiers := make(map[string]bool)
		for _, t := range cfg.Tiers {
			if t.Name == "" || t.MaxAge < 0 {
				errs = append(errs, fmt.Sprintf("invalid tiered alias %q", t.Name))
			}
			if tiers[t.Name] {
				errs = append(errs, fmt.Sprintf("tiered alias %q declared twice", t.Name))
			}
			tiers[t.Name] = true
		}
	} else if len(cfg.Tiers) > 0 || cfg.MaxIndexAge > 0 {
		errs = append(errs, "tiered aliases and max index age require a partition period")
	}

	if len(errs) > 0 {
		return Config{}, ikerrors.NewValidationError(ikerrors.CodeInvalidDescriptor,
			fmt.Sprintf("descriptor %q: %s", cfg.Name, strings.Join(errs, "; ")))
	}

	// Copy the slices so later builder calls cannot touch the Config.
	cfg.Types = append([]DocumentType(nil), cfg.Types...)
	cfg.Tiers = append([]Tier(nil), cfg.Tiers...)
	cfg.Scripts = append([]script.Script(nil), cfg.Scripts...)
	sort.SliceStable(cfg.Scripts, func(i, j int) bool { return cfg.Scripts[i].Version < cfg.Scripts[j].Version })
	return cfg, nil
}
