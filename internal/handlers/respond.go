// Package handlers exposes the engine over a JSON HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"rotadominios/backend/internal/apperr"
)

type errorBody struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to its HTTP status. Internal failures are logged and
// answered with a generic message.
func writeError(w http.ResponseWriter, log *logrus.Entry, msg string, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	if status >= http.StatusInternalServerError && kind == apperr.Internal {
		log.WithError(err).Error(msg)
		writeJSON(w, status, errorBody{Error: msg, Kind: kind})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: apperr.Validation})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		badRequest(w, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "Invalid request body")
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// storeErr classifies a store failure: missing rows and duplicates are the
// caller's problem, everything else is ours.
func storeErr(op string, err error) error {
	if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrConflict) {
		return apperr.New(apperr.Validation, op, "", err)
	}
	return apperr.New(apperr.Internal, op, apperr.SystemDatabase, err)
}
