package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	httperr "github.com/aevon-lab/trafficwatch/internal/core/errors"
	"github.com/aevon-lab/trafficwatch/internal/device"
	"github.com/aevon-lab/trafficwatch/internal/metrics"
	"github.com/aevon-lab/trafficwatch/internal/pipeline"
	"github.com/gin-gonic/gin"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgRouteFailed    = "Failed to route record"
	msgNotReady       = "Ingest is not configured"
)

// ingestError carries the structured HTTP error shape from a helper back to
// the handler.
type ingestError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestError) Error() string {
	return e.message
}

// IngestHandler handles POST /v1/records. The body is one device envelope;
// it is decoded and routed exactly like a websocket message.
func (s *Server) IngestHandler(c *gin.Context) {
	if s.deps.Streams == nil || s.deps.Devices == nil {
		writeError(c, &ingestError{
			statusCode: http.StatusServiceUnavailable,
			errorType:  httperr.HttpUnavailableError,
			message:    msgNotReady,
		})
		return
	}

	env, err := s.parseEnvelope(c)
	if err != nil {
		writeError(c, err)
		return
	}

	rec, derr := s.deps.Devices.Decoder().DecodeEnvelope(env.DeviceID, env)
	if derr != nil {
		reason := device.DecodeReason(derr)
		metrics.DeviceMessages.WithLabelValues(env.DeviceID, "parse_failed").Inc()
		metrics.DeviceDecodeErrors.WithLabelValues(reason).Inc()
		slog.Warn("[Ingest] Dropped undecodable record", "device", env.DeviceID, "type", env.Type, "error", derr)
		writeError(c, &ingestError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidRecordError,
			message:    derr.Error(),
			details:    map[string]interface{}{"reason": reason},
		})
		return
	}

	if err := s.route(rec); err != nil {
		metrics.DeviceMessages.WithLabelValues(env.DeviceID, "route_failed").Inc()
		writeError(c, err)
		return
	}

	metrics.DeviceMessages.WithLabelValues(env.DeviceID, metrics.ResultSuccess).Inc()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "kind": rec.Kind(), "entity": rec.EntityKey()})
}

// parseEnvelope reads the size-limited body and binds it into an Envelope.
func (s *Server) parseEnvelope(c *gin.Context) (*v1.Envelope, *ingestError) {
	limitedBody := io.LimitReader(c.Request.Body, s.maxBodyBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("[Ingest] Failed to read request body", "error", err)
		return nil, &ingestError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > s.maxBodyBytes {
		slog.Warn("[Ingest] Request body exceeds maximum size", "size", len(bodyBytes), "max", s.maxBodyBytes)
		return nil, &ingestError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": s.maxBodyBytes / (1024 * 1024),
			},
		}
	}

	// Numbers stay json.Number, as on the device feed, so ids, record times
	// and decimal measurements decode identically on both paths.
	dec := json.NewDecoder(bytes.NewReader(bodyBytes))
	dec.UseNumber()

	var env v1.Envelope
	if err := dec.Decode(&env); err != nil {
		slog.Warn("[Ingest] Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, &ingestError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}

	if err := env.Validate(); err != nil {
		return nil, &ingestError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    err.Error(),
		}
	}
	if env.DeviceID == "" {
		return nil, &ingestError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "device_id is required",
		}
	}
	return &env, nil
}

func (s *Server) route(rec v1.Record) *ingestError {
	err := s.deps.Streams.Route(rec)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrNoPipeline):
		return &ingestError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpUnknownKindError,
			message:    err.Error(),
		}
	case errors.Is(err, pipeline.ErrRejected):
		return &ingestError{
			statusCode: http.StatusServiceUnavailable,
			errorType:  httperr.HttpUnavailableError,
			message:    err.Error(),
		}
	default:
		slog.Error("[Ingest] Failed to route record", "kind", rec.Kind(), "entity", rec.EntityKey(), "error", err)
		return &ingestError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgRouteFailed,
		}
	}
}

// writeError serializes an ingestError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
