package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ivneld/Meteor-PKI/cmp"
	"github.com/ivneld/Meteor-PKI/pki"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps expected domain errors to an HTTP status. ok is false for
// unexpected errors.
func statusFor(err error) (status int, ok bool) {
	switch {
	case errors.Is(err, pki.ErrCANotFound), errors.Is(err, pki.ErrCertNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, pki.ErrCAAliasDuplicate), errors.Is(err, pki.ErrCertAlreadyRevoked):
		return http.StatusConflict, true
	case errors.Is(err, pki.ErrCANotActive), errors.Is(err, pki.ErrPathLengthExceeded):
		return http.StatusUnprocessableEntity, true
	case errors.Is(err, pki.ErrInvalidSubject),
		errors.Is(err, pki.ErrInvalidAlias),
		errors.Is(err, pki.ErrInvalidPEM),
		errors.Is(err, pki.ErrInvalidExtension),
		errors.Is(err, cmp.ErrParse):
		return http.StatusBadRequest, true
	}
	return http.StatusInternalServerError, false
}

// mapError writes the response for a service error. Unexpected errors are
// logged and answered with a generic message.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	if status, ok := statusFor(err); ok {
		writeError(w, status, err.Error())
		return
	}
	a.writeInternalError(w, r, "internal server error", err)
}

func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.ErrorContext(r.Context(), msg,
		slog.String("error", err.Error()),
		slog.String("request_id", chimw.GetReqID(r.Context())))
	writeError(w, http.StatusInternalServerError, msg)
}

// decodeJSON reads a JSON body of at most limit bytes into T. On failure it
// writes a 400 and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit))
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return v, false
	}
	return v, true
}
