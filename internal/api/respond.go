package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"taskd/internal/domain"
)

const maxBodyBytes = 1 << 20

type errorResp struct {
	Error  string                   `json:"error"`
	Fields []domain.ValidationError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResp{Error: err.Error()}
	code := http.StatusInternalServerError

	var v domain.ValidationError
	var vs domain.ValidationErrors
	switch {
	case errors.As(err, &vs):
		code, resp.Fields = http.StatusBadRequest, vs
	case errors.As(err, &v):
		code, resp.Fields = http.StatusBadRequest, []domain.ValidationError{v}
	case domain.IsNotFound(err):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrActiveJobs),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrNotEditable),
		errors.Is(err, domain.ErrAlreadyExists):
		code = http.StatusConflict
	}

	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		resp.Error = "internal error"
	}
	writeJSON(w, code, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}
