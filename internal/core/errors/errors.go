package errors

const (
	HttpInternalError      = "internal_error"
	HttpInvalidJsonError   = "invalid_json"
	HttpInvalidRecordError = "invalid_record"
	HttpUnknownKindError   = "unknown_kind"
	HttpInvalidQueryError  = "invalid_query"
	HttpUnavailableError   = "unavailable"
)

// ErrorResponse is the error response body of every HTTP endpoint.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
