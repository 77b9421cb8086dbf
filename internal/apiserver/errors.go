package apiserver

import (
	"net/http"

	"github.com/ddunford/vllmmanager/internal/apperr"
)

// errorResponse is the JSON body written for any non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusForKind maps an apperr.Kind to the HTTP status spec.md §7
// assigns it. Kinds not in the table fall through to 500.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExhausted:
		return http.StatusServiceUnavailable
	case apperr.KindDriver:
		return http.StatusInternalServerError
	case apperr.KindGone:
		return http.StatusGone
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code per spec.md §7 and writes a
// JSON error body. No error is silently swallowed: every non-nil err
// reaching a handler boundary is surfaced to the caller.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSON(w, statusForKind(kind), errorResponse{Error: err.Error(), Kind: string(kind)})
}
