package controllerapi

import (
	"errors"
	"log/slog"
	"net/http"

	"catmesh"
)

// writeError maps a catmesh error sentinel to an HTTP status code and
// writes a short JSON body, the way the teacher's gRPC surface maps the
// same sentinels to gRPC codes.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ve *catmesh.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.Is(err, catmesh.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, catmesh.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, catmesh.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, catmesh.ErrTransient):
		status = http.StatusServiceUnavailable
	case errors.Is(err, catmesh.ErrFatal):
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		logger.Error("unhandled request error", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
