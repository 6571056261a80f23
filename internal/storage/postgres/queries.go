package postgres

import (
	"fmt"
	"strings"

	"github.com/aevon-lab/trafficwatch/internal/storage"
	"github.com/lib/pq"
)

const (
	// queryTableExists resolves the name the same way the planner would, so
	// it honours search_path.
	queryTableExists = `SELECT to_regclass($1) IS NOT NULL`

	queryRenameTable   = `ALTER TABLE %s RENAME TO %s`
	queryTableIndexes  = `SELECT indexname FROM pg_indexes WHERE schemaname = current_schema() AND tablename = $1 ORDER BY indexname`
	queryRenameIndex   = `ALTER INDEX %s RENAME TO %s`
	queryCreateLike    = `CREATE TABLE %s (LIKE %s INCLUDING ALL)`
	queryCarryRows     = `WITH moved AS (DELETE FROM %s WHERE %s >= $1 RETURNING *) INSERT INTO %s SELECT * FROM moved`
	queryUpsertInsert  = `INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`
	queryUpsertNothing = `INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING`
)

// maxIdentifierLen is Postgres' NAMEDATALEN-1. Longer names are truncated
// silently, which could collide across months.
const maxIdentifierLen = 63

// shardIndexName names an index of a table renamed from -> to.
// lane_flow_pkey becomes lane_flow_202608_pkey.
func shardIndexName(index, from, to string) (string, error) {
	name := index + "_" + to
	if strings.Contains(index, from) {
		name = strings.Replace(index, from, to, 1)
	}
	if len(name) > maxIdentifierLen {
		return "", fmt.Errorf("index name %q exceeds %d bytes", name, maxIdentifierLen)
	}
	return name, nil
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pq.QuoteIdentifier(n)
	}
	return out
}

// buildUpsert renders an INSERT ... ON CONFLICT statement for spec. Merge
// strategies follow the pre-aggregate upsert: counters and sums add, extremes
// keep LEAST/GREATEST, everything else takes the incoming value.
func buildUpsert(table string, spec storage.UpsertSpec) (string, error) {
	if len(spec.Columns) == 0 || len(spec.Key) == 0 {
		return "", fmt.Errorf("upsert %s: columns and key are required", table)
	}
	isKey := make(map[string]bool, len(spec.Key))
	for _, k := range spec.Key {
		isKey[k] = true
	}

	qt := pq.QuoteIdentifier(table)
	placeholders := make([]string, len(spec.Columns))
	var sets []string
	for i, c := range spec.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if isKey[c] {
			continue
		}
		qc := pq.QuoteIdentifier(c)
		switch spec.Merge[c] {
		case storage.MergeAdd:
			sets = append(sets, fmt.Sprintf("%s = %s.%s + EXCLUDED.%s", qc, qt, qc, qc))
		case storage.MergeMin:
			sets = append(sets, fmt.Sprintf("%s = LEAST(%s.%s, EXCLUDED.%s)", qc, qt, qc, qc))
		case storage.MergeMax:
			sets = append(sets, fmt.Sprintf("%s = GREATEST(%s.%s, EXCLUDED.%s)", qc, qt, qc, qc))
		case storage.MergeReplace, "":
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", qc, qc))
		default:
			return "", fmt.Errorf("upsert %s: unknown merge %q for column %s", table, spec.Merge[c], c)
		}
	}

	cols := strings.Join(quoteAll(spec.Columns), ", ")
	key := strings.Join(quoteAll(spec.Key), ", ")
	if len(sets) == 0 {
		return fmt.Sprintf(queryUpsertNothing, qt, cols, strings.Join(placeholders, ", "), key), nil
	}
	return fmt.Sprintf(queryUpsertInsert, qt, cols, strings.Join(placeholders, ", "), key, strings.Join(sets, ", ")), nil
}
