package replica

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"retailsync/internal/docstore"
	"retailsync/internal/logger"
	"retailsync/internal/remote"
)

// Server exposes named document stores over the replication protocol. It is
// the remote side that devices push to and pull from.
type Server struct {
	dbs      map[string]*docstore.Engine
	username string
	password string
	log      zerolog.Logger
}

func New(dbs map[string]*docstore.Engine, username string, password string) *Server {
	return &Server{
		dbs:      dbs,
		username: username,
		password: password,
		log:      logger.WithComponent("replica"),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)

	db := r.PathPrefix("/{db}").Subrouter()
	db.Use(s.requireBasicAuth)
	db.HandleFunc("", s.handleInfo).Methods(http.MethodGet)
	db.HandleFunc("/_changes", s.handleChanges).Methods(http.MethodGet)
	db.HandleFunc("/_revs_diff", s.handleRevsDiff).Methods(http.MethodPost)
	db.HandleFunc("/_bulk_get", s.handleBulkGet).Methods(http.MethodPost)
	db.HandleFunc("/_bulk_docs", s.handleBulkDocs).Methods(http.MethodPost)
	db.HandleFunc("/{id}", s.handleGetDoc).Methods(http.MethodGet)
	db.HandleFunc("/{id}", s.handlePutDoc).Methods(http.MethodPut)
	db.HandleFunc("/{id}", s.handleDeleteDoc).Methods(http.MethodDelete)

	return s.withLogging(r)
}

func (s *Server) requireBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.username != "" {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="retailsync"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "name or password is incorrect")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(startedAt)).Msg("request")
	})
}

func (s *Server) database(w http.ResponseWriter, r *http.Request) (*docstore.Engine, bool) {
	name := mux.Vars(r)["db"]
	db, ok := s.dbs[name]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "database does not exist")
		return nil, false
	}
	return db, true
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"service":   "retailsync-replica",
		"databases": len(s.dbs),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	db, ok := s.database(w, r)
	if !ok {
		return
	}
	info, err := db.Info(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	db, ok := s.database(w, r)
	if !ok {
		return
	}
	since, err := parseInt(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid since")
		return
	}
	limit, err := parseInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
		return
	}
	page, err := db.Changes(r.Context(), since, int(limit))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.ToChangesResponse(page))
}

func (s *Server) handleRevsDiff(w http.ResponseWriter, r *http.Request) {
	db, ok := s.database(w, r)
	if !ok {
		return
	}
	var req map[string][]string
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	missing, err := db.RevsDiff(r.Context(), req)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.ToRevsDiffResponse(missing))
}

func (s *Server) handleBulkGet(w http.ResponseWriter, r *http.Request) {
	db, ok := s.database(w, r)
	if !ok {
		return
	}
	var req remote.BulkGetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ids := make([]string, 0, len(req.Docs))
	for _, d := range req.Docs {
		ids = append(ids, d.ID)
	}
	docs, err := db.BulkGet(r.Context(), ids)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	found := make(map[string]docstore.Doc, len(docs))
	for _, doc := range docs {
		found[doc.ID] = doc
	}
	resp := remote.BulkGetResponse{Results: make([]remote.BulkGetResult, 0, len(ids))}
	for _, id := range ids {
		result := remote.BulkGetResult{ID: id}
		if doc, ok := found[id]; ok {
			result.Docs = []remote.BulkGetDoc{{OK: &doc}}
		} else {
			result.Docs = []remote.BulkGetDoc{{Error: &remote.BulkGetError{ID: id, Error: "not_found", Reason: "missing"}}}
		}
		resp.Results = append(resp.Results, result)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	db, ok := s.database(w, r)
	if !ok {
		return
	}
	var req remote.BulkDocsRequest
	req.NewEdits = true
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.NewEdits {
		writeError(w, http.StatusBadRequest, "bad_request", "only new_edits=false is supported")
		return
	}
	results, err := db.BulkDocs(r.Context(), req.Docs)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, remote.ToBulkDocsRows(results))
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	db, ok := s.database(w, r)
	if !ok {
		return
	}
	doc, err := db.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request) {
	db, ok := s.database(w, r)
	if !ok {
		return
	}
	var doc docstore.Doc
	if err := decodeJSON(w, r, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	doc.ID = mux.Vars(r)["id"]
	if rev := r.URL.Query().Get("rev"); rev != "" && doc.Rev == "" {
		doc.Rev = rev
	}
	stored, err := db.Put(r.Context(), doc)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, remote.PutResponse{OK: true, ID: stored.ID, Rev: stored.Rev})
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	db, ok := s.database(w, r)
	if !ok {
		return
	}
	stored, err := db.Remove(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("rev"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.PutResponse{OK: true, ID: stored.ID, Rev: stored.Rev})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "missing")
	case errors.Is(err, docstore.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "document update conflict")
	case errors.Is(err, docstore.ErrInvalidDoc):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.log.Error().Err(err).Msg("store operation failed")
		writeError(w, http.StatusInternalServerError, "internal_server_error", "internal server error")
	}
}

func parseInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 32<<20)
	return json.NewDecoder(r.Body).Decode(dest)
}

func writeError(w http.ResponseWriter, status int, code string, reason string) {
	writeJSON(w, status, remote.ErrorResponse{Error: code, Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
