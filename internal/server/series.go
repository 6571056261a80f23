package server

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	httperr "github.com/aevon-lab/trafficwatch/internal/core/errors"
	"github.com/aevon-lab/trafficwatch/internal/partition"
	"github.com/aevon-lab/trafficwatch/internal/storage"
	"github.com/aevon-lab/trafficwatch/internal/timemath"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// maxSeriesRange bounds how many monthly shards a single query fans out to.
const maxSeriesRange = 366 * 24 * time.Hour

var errInvalidSeries = errors.New("invalid series query")

// series describes the rollup tables of one record kind.
type series struct {
	base   string
	spec   storage.UpsertSpec
	levels []timemath.Level
	// keys are the key columns reported per point; channel_id and
	// bucket_start are implied by the request.
	keys   []string
	values []string
}

func newSeries(base string, spec storage.UpsertSpec, levels []timemath.Level) series {
	s := series{base: base, spec: spec, levels: levels}
	isKey := map[string]bool{}
	for _, k := range spec.Key {
		isKey[k] = true
		if k != "channel_id" && k != "bucket_start" {
			s.keys = append(s.keys, k)
		}
	}
	for _, c := range spec.Columns {
		if !isKey[c] {
			s.values = append(s.values, c)
		}
	}
	return s
}

var seriesByKind = map[string]series{
	v1.KindFlow:      newSeries(storage.TableLaneFlow, storage.LaneFlowAggregate, storage.FlowLevels),
	v1.KindDensity:   newSeries(storage.TableRegionDensity, storage.RegionDensityAggregate, storage.DensityLevels),
	v1.KindViolation: newSeries(storage.TableTrafficViolation, storage.TrafficViolationAggregate, storage.ViolationLevels),
}

// SeriesPoint is one aggregate row.
type SeriesPoint struct {
	BucketStart time.Time                      `json:"bucket_start"`
	Key         map[string]string              `json:"key,omitempty"`
	Values      map[string]decimal.NullDecimal `json:"values"`
}

// SeriesResponse is the GET /v1/series response body.
type SeriesResponse struct {
	Kind   string        `json:"kind"`
	Entity string        `json:"entity"`
	Level  string        `json:"level"`
	Start  time.Time     `json:"start"`
	End    time.Time     `json:"end"`
	Points []SeriesPoint `json:"points"`
}

// SeriesHandler handles GET /v1/series/:kind/:entity
// Query parameters: level, start, end. entity is a channel id.
func (s *Server) SeriesHandler(c *gin.Context) {
	var uri struct {
		Kind   string `uri:"kind" binding:"required"`
		Entity string `uri:"entity" binding:"required"`
	}
	var query struct {
		Level string    `form:"level"`
		Start time.Time `form:"start" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
		End   time.Time `form:"end" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
	}

	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidQueryError,
			Message:   "Invalid path parameters",
			Details:   err.Error(),
		})
		return
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidQueryError,
			Message:   "Invalid query parameters",
			Details:   err.Error(),
		})
		return
	}

	if s.deps.Rotation == nil {
		c.JSON(http.StatusServiceUnavailable, httperr.ErrorResponse{
			ErrorType: httperr.HttpUnavailableError,
			Message:   "Series queries are not configured",
		})
		return
	}

	resp, err := s.querySeries(c, uri.Kind, uri.Entity, query.Level, query.Start, query.End)
	if err != nil {
		if errors.Is(err, errInvalidSeries) {
			c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
				ErrorType: httperr.HttpInvalidQueryError,
				Message:   "Invalid series query",
				Details:   err.Error(),
			})
			return
		}

		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to query series",
			Details:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) querySeries(c *gin.Context, kind, entity, levelName string, start, end time.Time) (*SeriesResponse, error) {
	def, ok := seriesByKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", errInvalidSeries, kind)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: end must be after start", errInvalidSeries)
	}
	if end.Sub(start) > maxSeriesRange {
		return nil, fmt.Errorf("%w: range longer than %s", errInvalidSeries, maxSeriesRange)
	}

	level := def.levels[len(def.levels)-1]
	if levelName != "" {
		l, err := timemath.ParseLevel(levelName)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidSeries, err)
		}
		level = l
	}
	if !hasLevel(def.levels, level) {
		return nil, fmt.Errorf("%w: %s has no %s rollup", errInvalidSeries, kind, level)
	}

	table := storage.AggregateTable(def.base, level)
	columns := append([]string{"bucket_start"}, def.keys...)
	columns = append(columns, def.values...)
	order := append([]string{"bucket_start"}, def.keys...)

	build := func(quoted string) storage.Statement {
		return storage.Statement{
			SQL: "SELECT " + strings.Join(columns, ", ") + " FROM " + quoted +
				" WHERE channel_id = $1 AND bucket_start >= $2 AND bucket_start < $3" +
				" ORDER BY " + strings.Join(order, ", "),
			Args: []interface{}{entity, start, end},
		}
	}
	scan := func(row storage.Scanner) (SeriesPoint, error) {
		var p SeriesPoint
		keys := make([]sql.NullString, len(def.keys))
		values := make([]decimal.NullDecimal, len(def.values))
		dest := make([]interface{}, 0, len(columns))
		dest = append(dest, &p.BucketStart)
		for i := range keys {
			dest = append(dest, &keys[i])
		}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := row.Scan(dest...); err != nil {
			return p, err
		}
		if len(keys) > 0 {
			p.Key = make(map[string]string, len(keys))
			for i, k := range def.keys {
				p.Key[k] = keys[i].String
			}
		}
		p.Values = make(map[string]decimal.NullDecimal, len(values))
		for i, v := range def.values {
			p.Values[v] = values[i]
		}
		return p, nil
	}

	points, err := partition.Query(c.Request.Context(), s.deps.Rotation, table, start, end, build, scan)
	if err != nil {
		return nil, err
	}
	if points == nil {
		points = []SeriesPoint{}
	}
	return &SeriesResponse{
		Kind:   kind,
		Entity: entity,
		Level:  level.String(),
		Start:  start,
		End:    end,
		Points: points,
	}, nil
}

func hasLevel(levels []timemath.Level, l timemath.Level) bool {
	for _, x := range levels {
		if x == l {
			return true
		}
	}
	return false
}
