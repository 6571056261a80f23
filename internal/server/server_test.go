package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	"github.com/aevon-lab/trafficwatch/internal/config"
	httperr "github.com/aevon-lab/trafficwatch/internal/core/errors"
	"github.com/aevon-lab/trafficwatch/internal/device"
	"github.com/aevon-lab/trafficwatch/internal/partition"
	"github.com/aevon-lab/trafficwatch/internal/pipeline"
	"github.com/aevon-lab/trafficwatch/internal/scheduler"
	"github.com/aevon-lab/trafficwatch/internal/storage"
	"github.com/aevon-lab/trafficwatch/internal/storage/postgres"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct{ err error }

func (f fakeDB) Ping(context.Context) error { return f.err }

type fakeStreams struct {
	mu     sync.Mutex
	routed []v1.Record
	err    error
	health []pipeline.Health
}

func (f *fakeStreams) Route(rec v1.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.routed = append(f.routed, rec)
	return nil
}

func (f *fakeStreams) Health() []pipeline.Health { return f.health }

type fakeJobs []scheduler.FixedJobItem

func (f fakeJobs) Items() []scheduler.FixedJobItem { return f }

type fakeDevices struct {
	decoder *device.Decoder
	stats   []device.ConnStats
}

func (f fakeDevices) Decoder() *device.Decoder  { return f.decoder }
func (f fakeDevices) Stats() []device.ConnStats { return f.stats }

func newDevices() fakeDevices {
	devices := []config.Device{{
		ID:   "dev-1",
		Host: "127.0.0.1",
		Port: 9001,
		Channels: []config.Channel{
			{ID: "ch-1", Kinds: []string{v1.KindFlow}},
		},
	}}
	return fakeDevices{
		decoder: device.NewDecoder(device.NewCatalog(devices), time.UTC),
		stats:   []device.ConnStats{{DeviceID: "dev-1", Endpoint: "127.0.0.1:9001"}},
	}
}

func newTestServer(deps Deps) *Server {
	gin.SetMode(gin.TestMode)
	s := New(":0", "release", deps)
	gin.SetMode(gin.TestMode)
	return s
}

func do(s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	s.Engine.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) httperr.ErrorResponse {
	t.Helper()
	var out httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

const flowBody = `{"type":"flow","device_id":"dev-1","data":{"channel_id":"ch-1","lane":1,"category":"car","count":2,"speed":40.5,"record_time":"20260901083000"}}`

func TestHealth_Healthy(t *testing.T) {
	s := newTestServer(Deps{
		DB:      fakeDB{},
		Streams: &fakeStreams{health: []pipeline.Health{{Kind: v1.KindFlow, Healthy: true}}},
		Jobs:    fakeJobs{{Name: pipeline.RotationJobName, Runs: 3}},
		Devices: newDevices(),
	})

	resp := do(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var report HealthReport
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &report))
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "connected", report.Database)
	require.Len(t, report.Pipelines, 1)
	require.Len(t, report.Jobs, 1)
	assert.Equal(t, int64(3), report.Jobs[0].Runs)
	require.Len(t, report.Devices, 1)
	assert.Empty(t, report.Problems)
}

func TestHealth_Unhealthy(t *testing.T) {
	s := newTestServer(Deps{
		DB: fakeDB{err: errors.New("connection refused")},
		Streams: &fakeStreams{health: []pipeline.Health{
			{Kind: v1.KindDensity, Healthy: true},
			{Kind: v1.KindFlow, Healthy: false},
		}},
		Jobs: fakeJobs{{Name: pipeline.RotationJobName, LastError: "advance: boom"}},
	})

	resp := do(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)

	var report HealthReport
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &report))
	assert.Equal(t, "unhealthy", report.Status)
	assert.Equal(t, "unreachable", report.Database)
	assert.Equal(t, []string{
		"database unreachable",
		"pipeline flow unhealthy",
		"job window-rotation failed: advance: boom",
	}, report.Problems)
}

func TestHealth_DisconnectedDeviceIsNotFatal(t *testing.T) {
	devices := newDevices()
	devices.stats[0].Connected = false
	devices.stats[0].LastError = "dial tcp: connection refused"
	s := newTestServer(Deps{Devices: devices})

	resp := do(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(Deps{})
	resp := do(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "go_goroutines")
}

func TestIngest_Accepted(t *testing.T) {
	streams := &fakeStreams{}
	s := newTestServer(Deps{Streams: streams, Devices: newDevices()})

	resp := do(s, http.MethodPost, "/v1/records", []byte(flowBody))
	require.Equal(t, http.StatusAccepted, resp.Code)

	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.Equal(t, "accepted", result["status"])
	assert.Equal(t, "ch-1/1", result["entity"])

	require.Len(t, streams.routed, 1)
	flow, ok := streams.routed[0].(v1.FlowRecord)
	require.True(t, ok)
	assert.Equal(t, "dev-1", flow.DeviceID)
	assert.True(t, decimal.RequireFromString("40.5").Equal(flow.Speed))
	assert.Equal(t, time.Date(2026, 9, 1, 8, 30, 0, 0, time.UTC), flow.RecordTime)
}

func TestIngest_KeepsNumericFieldsExact(t *testing.T) {
	body := `{"type":"flow","device_id":"dev-1","data":{"channel_id":"ch-1","lane":1,"count":1,` +
		`"id":9007199254740993,"record_time":20260901083000,"speed":40.12345678901234567}}`

	streams := &fakeStreams{}
	s := newTestServer(Deps{Streams: streams, Devices: newDevices()})

	resp := do(s, http.MethodPost, "/v1/records", []byte(body))
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	require.Len(t, streams.routed, 1)
	pushed, ok := streams.routed[0].(v1.FlowRecord)
	require.True(t, ok)

	fed, err := newDevices().decoder.Decode("dev-1", []byte(body))
	require.NoError(t, err)
	want := fed.(v1.FlowRecord)

	assert.Equal(t, "9007199254740993", pushed.ID)
	assert.Equal(t, want.ID, pushed.ID)
	assert.Equal(t, time.Date(2026, 9, 1, 8, 30, 0, 0, time.UTC), pushed.RecordTime)
	assert.Equal(t, "40.12345678901234567", pushed.Speed.String())
	assert.True(t, want.Speed.Equal(pushed.Speed))
}

func TestIngest_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		routeErr  error
		wantCode  int
		wantType  string
		wantCause string
	}{
		{
			name:     "malformed json",
			body:     `{"type":`,
			wantCode: http.StatusBadRequest,
			wantType: httperr.HttpInvalidJsonError,
		},
		{
			name:     "missing data",
			body:     `{"type":"flow","device_id":"dev-1"}`,
			wantCode: http.StatusBadRequest,
			wantType: httperr.HttpInvalidJsonError,
		},
		{
			name:     "missing device",
			body:     `{"type":"flow","data":{"channel_id":"ch-1"}}`,
			wantCode: http.StatusBadRequest,
			wantType: httperr.HttpInvalidJsonError,
		},
		{
			name:      "unknown channel",
			body:      `{"type":"flow","device_id":"dev-1","data":{"channel_id":"ch-404","lane":1,"count":1,"record_time":"20260901083000"}}`,
			wantCode:  http.StatusBadRequest,
			wantType:  httperr.HttpInvalidRecordError,
			wantCause: "unknown_channel",
		},
		{
			name:      "kind not allowed on channel",
			body:      `{"type":"density","device_id":"dev-1","data":{"channel_id":"ch-1","region_id":1,"count":1,"record_time":"20260901083000"}}`,
			wantCode:  http.StatusBadRequest,
			wantType:  httperr.HttpInvalidRecordError,
			wantCause: "kind_not_allowed",
		},
		{
			name:     "no pipeline",
			body:     flowBody,
			routeErr: fmt.Errorf("%q: %w", v1.KindFlow, pipeline.ErrNoPipeline),
			wantCode: http.StatusBadRequest,
			wantType: httperr.HttpUnknownKindError,
		},
		{
			name:     "closed",
			body:     flowBody,
			routeErr: fmt.Errorf("flow: %w", pipeline.ErrRejected),
			wantCode: http.StatusServiceUnavailable,
			wantType: httperr.HttpUnavailableError,
		},
		{
			name:     "route failure",
			body:     flowBody,
			routeErr: errors.New("boom"),
			wantCode: http.StatusInternalServerError,
			wantType: httperr.HttpInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(Deps{Streams: &fakeStreams{err: tt.routeErr}, Devices: newDevices()})

			resp := do(s, http.MethodPost, "/v1/records", []byte(tt.body))
			require.Equal(t, tt.wantCode, resp.Code, resp.Body.String())

			out := decodeError(t, resp)
			assert.Equal(t, tt.wantType, out.ErrorType)
			if tt.wantCause != "" {
				details, ok := out.Details.(map[string]interface{})
				require.True(t, ok)
				assert.Equal(t, tt.wantCause, details["reason"])
			}
		})
	}
}

func TestIngest_BodyTooLarge(t *testing.T) {
	s := newTestServer(Deps{Streams: &fakeStreams{}, Devices: newDevices(), MaxBodySizeMB: 1})
	big := bytes.Repeat([]byte("x"), 1024*1024+1)

	resp := do(s, http.MethodPost, "/v1/records", big)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
}

func TestIngest_NotConfigured(t *testing.T) {
	s := newTestServer(Deps{})
	resp := do(s, http.MethodPost, "/v1/records", []byte(flowBody))
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func seriesURL(kind, entity, level string, start, end time.Time) string {
	q := url.Values{}
	if level != "" {
		q.Set("level", level)
	}
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))
	return "/v1/series/" + kind + "/" + entity + "?" + q.Encode()
}

func TestSeries_ReadsLiveShard(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.Local)
	end := start.Add(24 * time.Hour)
	rotation := partition.NewRotation(postgres.New(db), start, storage.PartitionedTables()...)
	s := newTestServer(Deps{Rotation: rotation})

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT bucket_start, lane, violation, violations FROM "traffic_violation_1h" `+
			`WHERE channel_id = $1 AND bucket_start >= $2 AND bucket_start < $3 ORDER BY bucket_start, lane, violation`)).
		WithArgs("ch-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"bucket_start", "lane", "violation", "violations"}).
			AddRow(start.Add(8*time.Hour), int64(2), int64(1208), int64(4)).
			AddRow(start.Add(9*time.Hour), int64(2), int64(1344), int64(1)))

	resp := do(s, http.MethodGet, seriesURL(v1.KindViolation, "ch-1", "", start, end), nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.NoError(t, mock.ExpectationsWereMet())

	var out SeriesResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, "1h", out.Level)
	assert.Equal(t, "ch-1", out.Entity)
	require.Len(t, out.Points, 2)
	assert.Equal(t, map[string]string{"lane": "2", "violation": "1208"}, out.Points[0].Key)
	assert.True(t, out.Points[0].Values["violations"].Valid)
	assert.True(t, decimal.NewFromInt(4).Equal(out.Points[0].Values["violations"].Decimal))
	assert.True(t, out.Points[1].BucketStart.Equal(start.Add(9*time.Hour)))
}

func TestSeries_InvalidQueries(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.Local)
	rotation := partition.NewRotation(postgres.New(db), start, storage.PartitionedTables()...)
	s := newTestServer(Deps{Rotation: rotation})

	tests := []struct {
		name   string
		target string
	}{
		{"unknown kind", seriesURL("audio", "ch-1", "", start, start.Add(time.Hour))},
		{"level without rollup", seriesURL(v1.KindViolation, "ch-1", "5m", start, start.Add(time.Hour))},
		{"unknown level", seriesURL(v1.KindFlow, "ch-1", "7m", start, start.Add(time.Hour))},
		{"end before start", seriesURL(v1.KindFlow, "ch-1", "5m", start, start.Add(-time.Hour))},
		{"range too long", seriesURL(v1.KindFlow, "ch-1", "1h", start, start.AddDate(2, 0, 0))},
		{"missing start", "/v1/series/flow/ch-1?end=" + url.QueryEscape(start.Format(time.RFC3339))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(s, http.MethodGet, tt.target, nil)
			require.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())
			assert.Equal(t, httperr.HttpInvalidQueryError, decodeError(t, resp).ErrorType)
		})
	}
}

func TestSeries_NotConfigured(t *testing.T) {
	s := newTestServer(Deps{})
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.Local)
	resp := do(s, http.MethodGet, seriesURL(v1.KindFlow, "ch-1", "5m", start, start.Add(time.Hour)), nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
}
