// Package server exposes the dispatcher over HTTP. The surface follows
// the /exec JSON convention of analytical SQL engines for reads, plus a
// small REST namespace for handle lifecycle, so existing /exec clients
// can point at Quasar unchanged.
package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quasar-data/quasar/internal/dispatch"
	"github.com/quasar-data/quasar/internal/engine"
	"github.com/quasar-data/quasar/pkg/errors"
	"github.com/quasar-data/quasar/pkg/logger"
)

const (
	// defaultFetchLimit caps /exec row rendering when the client does not
	// ask for a limit.
	defaultFetchLimit = 1000

	// maxInlineBody bounds inline IPC uploads.
	maxInlineBody = 512 << 20

	// ipcContentType is the MIME type for Arrow IPC streams.
	ipcContentType = "application/vnd.apache.arrow.stream"
)

// Server is the HTTP front end.
type Server struct {
	dispatcher *dispatch.Dispatcher
	httpServer *http.Server
	log        *zap.Logger
}

// New builds a server listening on addr.
func New(addr string, d *dispatch.Dispatcher) *Server {
	s := &Server{
		dispatcher: d,
		log:        logger.With(zap.String("component", "http")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /exec", s.handleExec)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /tables", s.handleCreate)
	mux.HandleFunc("GET /tables/{id}", s.handleDescribe)
	mux.HandleFunc("GET /tables/{id}/data", s.handleData)
	mux.HandleFunc("POST /tables/{id}/invoke", s.handleInvoke)
	mux.HandleFunc("POST /tables/{id}/save", s.handleSave)
	mux.HandleFunc("POST /tables/{id}/clone", s.handleClone)
	mux.HandleFunc("POST /tables/{id}/export", s.handleExport)
	mux.HandleFunc("DELETE /tables/{id}", s.handleDrop)
	mux.HandleFunc("GET /stored", s.handleListStored)
	mux.HandleFunc("POST /stored/open", s.handleOpenStored)
	mux.HandleFunc("DELETE /stored/{key}", s.handleDeleteStored)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routing table for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, errors.ErrorTypeInternal, "http server failed")
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// execResponse is the wire shape of /exec results.
type execResponse struct {
	Query   string          `json:"query"`
	Columns []execColumn    `json:"columns"`
	Dataset [][]interface{} `json:"dataset"`
	Count   int             `json:"count"`
	Handle  string          `json:"handle,omitempty"`
}

type execColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// handleExec serves two read paths: handle=<id> renders rows from an
// existing handle; query=<sql> relays the SQL to the analytic backend and
// passes its reply through unchanged. Only fmt=json is supported.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if f := q.Get("fmt"); f != "" && f != "json" {
		s.writeError(w, errors.Newf(errors.ErrorTypeInvalidArgument, "unsupported format %q", f))
		return
	}

	// userLimit stays zero unless the client set one, so the relay path
	// only forwards limits the client actually asked for.
	userLimit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, ok := parsePositiveInt(raw)
		if !ok {
			s.writeError(w, errors.Newf(errors.ErrorTypeInvalidArgument, "invalid limit %q", raw))
			return
		}
		userLimit = parsed
	}

	handleID := q.Get("handle")
	sql := q.Get("query")
	switch {
	case handleID != "" && sql != "":
		s.writeError(w, errors.New(errors.ErrorTypeInvalidArgument, "provide handle or query, not both"))
	case handleID != "":
		limit := userLimit
		if limit == 0 {
			limit = defaultFetchLimit
		}
		s.execHandle(w, r, handleID, limit)
	case sql != "":
		s.execQuery(w, r, sql, userLimit)
	default:
		s.writeError(w, errors.New(errors.ErrorTypeInvalidArgument, "missing handle or query parameter"))
	}
}

func (s *Server) execHandle(w http.ResponseWriter, r *http.Request, id string, limit int) {
	cols, rows, err := s.dispatcher.Fetch(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := execResponse{
		Query:   "",
		Columns: make([]execColumn, len(cols)),
		Dataset: rows,
		Count:   len(rows),
		Handle:  id,
	}
	for i, c := range cols {
		resp.Columns[i] = execColumn{Name: c.Name, Type: c.Type}
	}
	s.writeJSON(w, http.StatusOK, &resp)
}

// execQuery relays the SQL to the analytic engine and passes its reply
// through unchanged: upstream status code, content type, and body bytes.
func (s *Server) execQuery(w http.ResponseWriter, r *http.Request, sql string, limit int) {
	res, err := s.dispatcher.ProxyQuery(r.Context(), sql, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ct := res.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(res.Status)
	if _, err := w.Write(res.Body); err != nil {
		s.log.Warn("client disconnected during query relay", zap.Error(err))
	}
}

// handleCreate accepts either an Arrow IPC stream body or a JSON body
// naming a server-side Parquet file.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateRequest

	switch r.Header.Get("Content-Type") {
	case ipcContentType, "application/octet-stream":
		data, err := io.ReadAll(io.LimitReader(r.Body, maxInlineBody))
		if err != nil {
			s.writeError(w, errors.Wrap(err, errors.ErrorTypeInvalidArgument, "failed to read request body"))
			return
		}
		req.IPCData = data
	default:
		if err := gojson.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, errors.Wrap(err, errors.ErrorTypeInvalidArgument, "malformed JSON body"))
			return
		}
	}

	info, err := s.dispatcher.CreateHandle(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	info, err := s.dispatcher.Describe(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleData streams the handle's table as Arrow IPC.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	var chunkRows int64
	if raw := r.URL.Query().Get("chunk_rows"); raw != "" {
		parsed, ok := parsePositiveInt(raw)
		if !ok {
			s.writeError(w, errors.Newf(errors.ErrorTypeInvalidArgument, "invalid chunk_rows %q", raw))
			return
		}
		chunkRows = int64(parsed)
	}

	chunks, err := s.dispatcher.Materialize(r.Context(), r.PathValue("id"), chunkRows)
	if err != nil {
		s.writeError(w, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", ipcContentType)
	w.WriteHeader(http.StatusOK)
	for _, chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			s.log.Warn("client disconnected during data stream", zap.Error(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var op engine.Operation
	if err := gojson.NewDecoder(r.Body).Decode(&op); err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrorTypeInvalidArgument, "malformed operation body"))
		return
	}

	info, err := s.dispatcher.Invoke(r.Context(), r.PathValue("id"), op)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := gojson.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrorTypeInvalidArgument, "malformed save body"))
		return
	}

	if err := s.dispatcher.SaveTable(r.Context(), r.PathValue("id"), body.Key); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"key": body.Key})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := gojson.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrorTypeInvalidArgument, "malformed export body"))
		return
	}

	if err := s.dispatcher.ExportParquet(r.Context(), r.PathValue("id"), body.Path); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"path": body.Path})
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	info, err := s.dispatcher.CloneHandle(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListStored(w http.ResponseWriter, r *http.Request) {
	keys, err := s.dispatcher.ListStored(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

func (s *Server) handleDeleteStored(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.DeleteStored(r.Context(), r.PathValue("key")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.DropHandle(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpenStored(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := gojson.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrorTypeInvalidArgument, "malformed open body"))
		return
	}
	if body.Key == "" {
		s.writeError(w, errors.New(errors.ErrorTypeInvalidArgument, "missing storage key"))
		return
	}

	info, err := s.dispatcher.OpenStored(r.Context(), body.Key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Handles []string `json:"handles"`
	}
	if err := gojson.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrorTypeInvalidArgument, "malformed heartbeat body"))
		return
	}

	alive, err := s.dispatcher.Heartbeat(r.Context(), body.Handles)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alive": alive})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dispatcher.Stats())
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrorTypeExpired:
		status = http.StatusGone
	case errors.ErrorTypeInvalidArgument:
		status = http.StatusBadRequest
	case errors.ErrorTypeUnimplemented:
		status = http.StatusNotImplemented
	case errors.ErrorTypeResourceExhausted:
		status = http.StatusTooManyRequests
	}

	if status >= 500 {
		s.log.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, &errorBody{Error: err.Error(), Type: string(errors.GetType(err))})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := gojson.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", zap.Error(err))
	}
}

func parsePositiveInt(raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	return n, err == nil && n > 0
}
