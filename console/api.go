package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/fleetconsole/console/batch"
	"github.com/itskum47/fleetconsole/console/client"
	"github.com/itskum47/fleetconsole/console/engine"
	"github.com/itskum47/fleetconsole/console/fault"
	"github.com/itskum47/fleetconsole/console/idempotency"
	"github.com/itskum47/fleetconsole/console/inventory"
	"github.com/itskum47/fleetconsole/console/middleware"
	"github.com/itskum47/fleetconsole/console/store"
)

// API is the local view adapter: queries read the engine's store, commands
// go through the engine, and /api/stream pushes change notifications.
type API struct {
	engine      *engine.Engine
	hub         *ChangeHub
	idempotency *idempotency.Store
	upgrader    websocket.Upgrader
	viewToken   string
	origins     []string
}

func NewAPI(e *engine.Engine, hub *ChangeHub, viewToken string, origins []string) *API {
	return &API{
		engine:      e,
		hub:         hub,
		idempotency: idempotency.NewStore(1024, 0),
		upgrader:    newUpgrader(origins),
		viewToken:   viewToken,
		origins:     origins,
	}
}

// Handler returns every route. /health and /metrics skip the view token.
func (a *API) Handler() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET /api/status", a.handleStatus)
	api.HandleFunc("GET /api/stream", a.handleStream)
	api.HandleFunc("POST /api/resync", a.handleResync)
	api.HandleFunc("POST /api/active", a.handleSetActive)
	api.HandleFunc("POST /api/batch", a.withIdempotency(a.handleBatch))

	api.HandleFunc("GET /api/{kind}", a.handleList)
	api.HandleFunc("GET /api/{kind}/{key}", a.handleGet)
	api.HandleFunc("GET /api/{kind}/{key}/history", a.handleHistory)

	api.HandleFunc("POST /api/executions", a.withIdempotency(a.handleSubmitExecution))
	api.HandleFunc("POST /api/executions/{id}/cancel", a.handleCancelExecution)

	api.HandleFunc("POST /api/imports/upload", a.withIdempotency(a.handleUploadImport))
	api.HandleFunc("POST /api/imports/paste", a.withIdempotency(a.handlePasteImport))
	api.HandleFunc("POST /api/imports/{id}/execute", a.withIdempotency(a.handleExecuteImport))
	api.HandleFunc("POST /api/imports/{id}/rollback", a.withIdempotency(a.handleRollbackImport))

	api.HandleFunc("POST /api/nodes", a.withIdempotency(a.handleCreateNode))
	api.HandleFunc("PUT /api/nodes/{id}", a.handleUpdateNode)
	api.HandleFunc("DELETE /api/nodes/{id}", a.handleDeleteNode)
	api.HandleFunc("POST /api/nodes/{id}/ping", a.handlePingNode)

	api.HandleFunc("POST /api/groups", a.withIdempotency(a.handleCreateGroup))
	api.HandleFunc("PUT /api/groups/{id}", a.handleUpdateGroup)
	api.HandleFunc("DELETE /api/groups/{id}", a.handleDeleteGroup)
	api.HandleFunc("POST /api/groups/{id}/nodes", a.handleAddNodesToGroup)
	api.HandleFunc("DELETE /api/groups/{id}/nodes/{node}", a.handleRemoveNodeFromGroup)

	api.HandleFunc("POST /api/playbooks", a.withIdempotency(a.handleUploadPlaybook))
	api.HandleFunc("POST /api/playbooks/create", a.withIdempotency(a.handleCreatePlaybook))
	api.HandleFunc("PUT /api/playbooks/{key}", a.handleSavePlaybook)
	api.HandleFunc("DELETE /api/playbooks/{key}", a.handleDeletePlaybook)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", middleware.ViewTokenMiddleware(a.viewToken)(api))

	return middleware.CORSMiddleware(a.origins)(mux)
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the stored response of a repeated command.
// Only successful responses are stored; a failed command may be retried.
// Keys are scoped to the route, so reusing one on another command runs it.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(idempotency.Header)
		if header == "" {
			next(w, r)
			return
		}
		key := r.Method + " " + r.URL.Path + " " + header

		if resp, found := a.idempotency.Get(key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		if rec.statusCode < 300 {
			a.idempotency.Set(key, idempotency.Response{
				StatusCode: rec.statusCode,
				Body:       rec.body,
				Headers:    rec.Header().Clone(),
			})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Class string `json:"class"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, fault.HTTPStatus(err), errorResponse{Error: err.Error(), Class: fault.Class(err)})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, inventory.MaxContentBytes+1024)).Decode(v); err != nil {
		return &fault.ValidationError{Field: "body", Message: "Invalid request body"}
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := store.ParseID(r.PathValue(name))
	if err != nil {
		return 0, &fault.ValidationError{Field: name, Message: "invalid id " + r.PathValue(name)}
	}
	return id, nil
}

func pathKind(r *http.Request) (store.Kind, error) {
	kind, err := store.ParseKind(r.PathValue("kind"))
	if err != nil {
		return "", &fault.ValidationError{Field: "kind", Message: err.Error()}
	}
	return kind, nil
}

// readUpload returns the multipart "file" part.
func readUpload(r *http.Request) (string, []byte, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return "", nil, &fault.ValidationError{Field: "file", Message: "No file provided"}
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return "", nil, &fault.ValidationError{Field: "file", Message: "No file provided"}
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, inventory.MaxContentBytes+1))
	if err != nil {
		return "", nil, err
	}
	if hdr.Filename == "" {
		return "", nil, &fault.ValidationError{Field: "file", Message: "No file selected"}
	}
	return hdr.Filename, content, nil
}

// Queries

type statusResponse struct {
	Connectivity engine.Connectivity `json:"connectivity"`
	Counts       map[store.Kind]int  `json:"counts"`
	Pending      map[store.Kind]int  `json:"pending"`
	Clients      int                 `json:"stream_clients"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Connectivity: a.engine.Connectivity(),
		Counts:       make(map[store.Kind]int),
		Pending:      make(map[store.Kind]int),
		Clients:      a.hub.ClientCount(),
	}
	for _, k := range store.Kinds {
		resp.Counts[k] = a.engine.Store().Count(k)
		resp.Pending[k] = a.engine.Reconciler().Pending(k)
	}
	writeJSON(w, http.StatusOK, resp)
}

type listResponse struct {
	Items []store.Record    `json:"items"`
	Hints map[string]string `json:"hints,omitempty"`
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	kind, err := pathKind(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Items: a.engine.Store().Records(kind),
		Hints: a.engine.Hints(kind),
	})
}

type itemResponse struct {
	Item store.Record `json:"item"`
	Hint string       `json:"hint,omitempty"`
}

// handleGet reads one record. Playbooks load their content on first read.
func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, err := pathKind(r)
	if err != nil {
		writeError(w, err)
		return
	}
	key := r.PathValue("key")

	if kind == store.KindPlaybook && r.URL.Query().Get("content") != "" {
		p, err := a.engine.LoadPlaybook(r.Context(), key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, itemResponse{Item: p})
		return
	}

	rec, ok := a.engine.Store().GetRecord(kind, key)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: string(kind) + " " + key + " not found", Class: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, itemResponse{Item: rec, Hint: a.engine.Hint(kind, key)})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	kind, err := pathKind(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := a.engine.History(r.Context(), kind, r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleResync(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Resync(r.Context(), "manual"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "resynced"})
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kinds []string `json:"kinds"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	kinds := make([]store.Kind, 0, len(req.Kinds))
	for _, s := range req.Kinds {
		k, err := store.ParseKind(s)
		if err != nil {
			writeError(w, &fault.ValidationError{Field: "kinds", Message: err.Error()})
			return
		}
		kinds = append(kinds, k)
	}
	a.engine.SetActiveKinds(kinds...)
	w.WriteHeader(http.StatusNoContent)
}

// Commands

type batchRequest struct {
	Operation string   `json:"operation"`
	Kind      string   `json:"kind"`
	IDs       []string `json:"ids"`
	GroupID   int64    `json:"group_id"`
}

type batchResponse struct {
	batch.Report
	Summary string `json:"summary"`
}

// handleBatch answers 200 even when items fail; the report lists them.
func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	kind, err := store.ParseKind(req.Kind)
	if err != nil {
		writeError(w, &fault.ValidationError{Field: "kind", Message: err.Error()})
		return
	}

	report, err := a.engine.Batch(r.Context(), engine.BatchOp(req.Operation), kind,
		batch.NewSelection(req.IDs...), engine.BatchParams{GroupID: req.GroupID})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Report: report, Summary: report.Summary()})
}

func (a *API) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req client.ExecutionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	x, err := a.engine.SubmitExecution(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, x)
}

func (a *API) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.engine.CancelExecution(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Cancel requested"})
}

func (a *API) handleUploadImport(w http.ResponseWriter, r *http.Request) {
	filename, content, err := readUpload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	imp, err := a.engine.UploadImport(r.Context(), filename, content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, imp)
}

func (a *API) handlePasteImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		Format  string `json:"format"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	imp, err := a.engine.PasteImport(r.Context(), req.Content, req.Format)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, imp)
}

func (a *API) handleExecuteImport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := a.engine.ExecuteImport(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRollbackImport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.engine.RollbackImport(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Import rolled back"})
}

func (a *API) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var in client.NodeInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	n, err := a.engine.CreateNode(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (a *API) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var in client.NodeInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	n, err := a.engine.UpdateNode(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *API) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	a.idCommand(w, r, a.engine.DeleteNode, http.StatusNoContent)
}

func (a *API) handlePingNode(w http.ResponseWriter, r *http.Request) {
	a.idCommand(w, r, a.engine.PingNode, http.StatusAccepted)
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var in client.GroupInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	g, err := a.engine.CreateGroup(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var in client.GroupInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	g, err := a.engine.UpdateGroup(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	a.idCommand(w, r, a.engine.DeleteGroup, http.StatusNoContent)
}

func (a *API) handleAddNodesToGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		NodeIDs []int64 `json:"node_ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	g, err := a.engine.AddNodesToGroup(r.Context(), id, req.NodeIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleRemoveNodeFromGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	nodeID, err := pathID(r, "node")
	if err != nil {
		writeError(w, err)
		return
	}
	g, err := a.engine.RemoveNodeFromGroup(r.Context(), id, nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleUploadPlaybook(w http.ResponseWriter, r *http.Request) {
	filename, content, err := readUpload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := a.engine.UploadPlaybook(r.Context(), filename, content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleCreatePlaybook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string `json:"filename"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := a.engine.CreatePlaybook(r.Context(), req.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleSavePlaybook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := a.engine.SavePlaybook(r.Context(), r.PathValue("key"), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleDeletePlaybook(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.DeletePlaybook(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// idCommand runs a command that takes only the path id.
func (a *API) idCommand(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) error, status int) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(status)
}
