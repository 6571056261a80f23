//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/aevon-lab/trafficwatch/internal/partition"
	"github.com/aevon-lab/trafficwatch/internal/storage"
	"github.com/aevon-lab/trafficwatch/internal/timemath"
	"github.com/stretchr/testify/require"
)

func TestRotation_RenamesLiveTablesIntoShard(t *testing.T) {
	store := openStore(t)
	defer store.Close()
	defer func() { require.NoError(t, resetDatabase(t, store)) }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rotation := partition.NewRotation(store, testMonth, storage.PartitionedTables()...)
	recordTime := testMonth.Add(14*24*time.Hour + 8*time.Hour)
	nextMonth := timemath.Next(timemath.Month, testMonth).Add(time.Hour)

	require.NoError(t, rotation.Write(func() error {
		return store.Insert(ctx, storage.TableRegionDensity, storage.RegionDensityColumns, [][]interface{}{
			{"int-density-1", "dev-int", "int-plaza", 1, 12, recordTime},
			{"int-density-2", "dev-int", "int-plaza", 1, 30, nextMonth},
		})
	}))

	require.NoError(t, rotation.Rotate(ctx, testMonth))
	require.Equal(t, timemath.Next(timemath.Month, testMonth), rotation.Current())

	shard := partition.Shard(storage.TableRegionDensity, testMonth)
	exists, err := store.TableExists(ctx, shard)
	require.NoError(t, err)
	require.True(t, exists)

	count := func(table string) int {
		var n int
		require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+table+`"`).Scan(&n))
		return n
	}
	require.Equal(t, 1, count(shard))
	require.Equal(t, 1, count(storage.TableRegionDensity), "the next month's row stays live")

	var pkey string
	require.NoError(t, store.DB().QueryRowContext(ctx,
		`SELECT indexname FROM pg_indexes WHERE tablename = $1 AND indexname LIKE '%pkey'`,
		storage.TableRegionDensity).Scan(&pkey))
	require.Equal(t, "region_density_pkey", pkey, "the live table keeps its index names")

	people, err := partition.Query(ctx, rotation, storage.TableRegionDensity, testMonth, recordTime,
		func(table string) storage.Statement {
			return storage.Statement{SQL: "SELECT people FROM " + table + " WHERE channel_id = $1", Args: []interface{}{"int-plaza"}}
		},
		func(row storage.Scanner) (int, error) {
			var n int
			err := row.Scan(&n)
			return n, err
		})
	require.NoError(t, err)
	require.Equal(t, []int{12}, people)

	err = rotation.Rotate(ctx, testMonth)
	require.ErrorIs(t, err, partition.ErrNotCurrent)
}
