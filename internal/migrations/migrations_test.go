package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationFiles_ComeInPairs(t *testing.T) {
	names, err := fs.Glob(MigrationFiles, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			ups[strings.TrimSuffix(n, ".up.sql")] = true
		case strings.HasSuffix(n, ".down.sql"):
			downs[strings.TrimSuffix(n, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", n)
		}
	}
	require.Equal(t, ups, downs)
}

func TestMigrationFiles_CreateEveryLiveTable(t *testing.T) {
	var all strings.Builder
	names, err := fs.Glob(MigrationFiles, "*.up.sql")
	require.NoError(t, err)
	for _, n := range names {
		b, err := fs.ReadFile(MigrationFiles, n)
		require.NoError(t, err)
		all.Write(b)
	}

	for _, table := range []string{
		"lane_flow", "lane_flow_1m", "lane_flow_5m", "lane_flow_15m", "lane_flow_1h",
		"region_density", "region_density_1m", "region_density_5m", "region_density_15m", "region_density_1h",
		"traffic_violation", "traffic_violation_1h",
	} {
		require.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}
