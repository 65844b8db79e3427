// Package httpx holds the HTTP plumbing shared by every server of the
// platform.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/logutil"
)

// StatusOf maps an error kind to an HTTP status.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.NotValid), errors.Is(err, errors.BadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errors.AlreadyExists):
		return http.StatusConflict
	case errors.Is(err, errors.Timeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, errors.NotSupported), errors.Is(err, errors.NotImplemented):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// WriteError writes err as plain text with the given status. Server errors are
// logged with their full cause chain.
func WriteError(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logutil.FromContext(r.Context()).Error("request failed",
			zap.Int("status", status), zap.String("stack", errors.ErrorStack(err)))
	}
	if status == http.StatusInternalServerError {
		msg = "internal error: " + msg
	}
	http.Error(w, msg, status)
}

// Error writes err with the status of its kind.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, StatusOf(err), err)
}

// JSON writes v with status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ArrayWriter streams a JSON array element by element, flushing after each.
type ArrayWriter struct {
	w       http.ResponseWriter
	started bool
	closed  bool
}

func NewArrayWriter(w http.ResponseWriter) *ArrayWriter {
	w.Header().Set("Content-Type", "application/json")
	return &ArrayWriter{w: w}
}

func (a *ArrayWriter) Write(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	sep := ","
	if !a.started {
		sep = "["
		a.started = true
	}
	if _, err := a.w.Write(append([]byte(sep), raw...)); err != nil {
		return errors.Trace(err)
	}
	if f, ok := a.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Close terminates the array. An array with no elements is written as [].
func (a *ArrayWriter) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	end := "]"
	if !a.started {
		end = "[]"
	}
	_, err := a.w.Write([]byte(end))
	return errors.Trace(err)
}
