package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
)

// Logger is the subset of logger.Logger the handler needs.
type Logger interface {
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
}

// ErrorHandler turns any error into the relay's JSON error body.
type ErrorHandler struct {
	logger Logger
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Body is the wire shape of an error response.
type Body struct {
	Status       string      `json:"status"`
	ErrorCode    ErrorCode   `json:"error_code"`
	Message      string      `json:"message"`
	ErrorDetails interface{} `json:"error_details,omitempty"`
}

// Normalize ensures we always have a StandardError. Context cancellation maps
// to TIMEOUT, everything unknown to INTERNAL_ERROR.
func Normalize(err error) *StandardError {
	if err == nil {
		return nil
	}
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		e := newError(ErrCodeTimeout, "Operation timed out", err.Error(), true)
		e.cause = err
		return e
	}
	return NewInternalError(err)
}

// WriteHTTP writes err as a JSON body with the mapped status code.
func (h *ErrorHandler) WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	stdErr := Normalize(err)
	status := HTTPStatus(stdErr.Code)

	fields := map[string]interface{}{
		"errorCode":     string(stdErr.Code),
		"errorCategory": GetErrorCategory(stdErr.Code),
		"status":        status,
		"details":       stdErr.Details,
	}
	if r != nil {
		fields["method"] = r.Method
		fields["path"] = r.URL.Path
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields)
	} else {
		h.logger.Warn("request rejected", fields)
	}

	body := Body{
		Status:    "error",
		ErrorCode: stdErr.Code,
		Message:   stdErr.Message,
	}
	// Internal details can carry backend specifics; keep them in the log only.
	if status < http.StatusInternalServerError && stdErr.Details != "" {
		body.ErrorDetails = stdErr.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
