package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/indexkeeper/internal/config"
	"github.com/arkilian/indexkeeper/internal/script"
	"github.com/arkilian/indexkeeper/internal/store"
	"github.com/arkilian/indexkeeper/internal/store/sqlite"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Enabled = false
	cfg.Maintenance.CheckInterval = 50 * time.Millisecond
	cfg.Reindex.BatchSize = 10
	cfg.Indices = []config.IndexConfig{{
		Name:    "employees",
		Version: 2,
		Types:   []config.TypeConfig{{Name: "employee", TimestampField: "updated"}},
		Scripts: []config.ScriptConfig{{
			Version: 2,
			Steps:   []script.Step{{Op: script.OpRename, Field: "fullname", To: "name"}},
		}},
	}, {
		Name:        "events",
		Period:      "daily",
		MaxIndexAge: 30 * 24 * time.Hour,
		Types:       []config.TypeConfig{{Name: "event", TimestampField: "at"}},
	}}
	return cfg
}

// seedStore writes employees-v1 with n documents behind the primary alias.
func seedStore(t *testing.T, path string, n int) {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(path, sqlite.DefaultOptions())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.CreateIndex(ctx, "employees-v1", store.Definition{Aliases: []string{"employees"}}))
	docs := make([]store.Document, n)
	for i := range docs {
		docs[i] = store.Document{
			ID:     fmt.Sprintf("emp-%03d", i),
			Type:   "employee",
			Source: map[string]any{"fullname": fmt.Sprintf("E%d", i), "updated": "2026-01-01T00:00:00Z"},
		}
	}
	_, err = st.BulkWrite(ctx, "employees-v1", docs)
	require.NoError(t, err)
}

func TestApp_MigratesDeclaredIndices(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg)
	require.NoError(t, err)
	seedStore(t, cfg.Store.Path, 35)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)
	assert.Error(t, a.Start(ctx), "second start")

	ix, ok := a.Registry().Get("employees")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		v, err := ix.GetCurrentVersion(ctx)
		return err == nil && v == 2
	}, 10*time.Second, 50*time.Millisecond)

	events, ok := a.Registry().Get("events")
	require.True(t, ok)
	parts, err := events.ListPartitions(ctx)
	require.NoError(t, err)
	assert.Len(t, parts, 1, "today's partition is configured on start")

	resp, err := http.Get("http://" + a.HTTPAddr().String() + "/v1/indices/employees")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary struct {
		CurrentVersion int `json:"current_version"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Equal(t, 2, summary.CurrentVersion)

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx), "stop is idempotent")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Type = "mongo"
	_, err := New(cfg)
	assert.Error(t, err)
}
