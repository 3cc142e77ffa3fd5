package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/imamik/tenantplane/internal/apperr"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindState:
		return http.StatusConflict
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindProvisioning, apperr.KindRotation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as an error body. Internal errors are logged and
// reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)
	log := logr.FromContextOrDiscard(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error(err, "request failed", "kind", kind)
	} else {
		log.V(1).Info("request rejected", "kind", kind, "error", err.Error())
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: apperr.MessageOf(err)}})
}
