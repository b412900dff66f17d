// Package api exposes pkg/node and the example pkg/kv state machine
// over HTTP, generalizing the teacher's pkg/api/http.go
// (/kv/, /status) onto the ReadIndex-backed linearizable read path and
// the Propose-based write path this repo's consensus core provides
// instead of the teacher's direct node.Read/node.SubmitWithResult.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/raftcore/raftcore/pkg/kv"
	"github.com/raftcore/raftcore/pkg/node"
	"github.com/raftcore/raftcore/pkg/raft"
)

const defaultRequestTimeout = 5 * time.Second

// Handler serves the example KV service over HTTP.
type Handler struct {
	node      *node.Node
	store     *kv.Store
	clientID  string
	requestID atomic.Uint64
	mux       *http.ServeMux
}

// NewHandler builds a Handler wrapping n/store. clientID identifies
// this HTTP front door as a single logical client for pkg/kv's
// per-client request deduplication; every write this process submits
// gets a locally-monotonic request ID.
func NewHandler(n *node.Node, store *kv.Store, clientID string) *Handler {
	h := &Handler{node: n, store: store, clientID: clientID, mux: http.NewServeMux()}
	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r, key)
	case http.MethodPut, http.MethodPost:
		h.handleWrite(w, r, key, kv.CommandSet)
	case http.MethodDelete:
		h.handleWrite(w, r, key, kv.CommandDelete)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleGet confirms linearizability via ReadIndex, waits for the
// local apply watermark to reach that index, then serves from the
// local state machine — spec.md §4.5's read-index protocol from the
// HTTP caller's point of view.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()

	readIdx, err := h.node.ReadIndex(ctx)
	if err != nil {
		h.respondError(w, err)
		return
	}

	for h.node.LastAppliedIndex() < readIdx {
		select {
		case <-ctx.Done():
			http.Error(w, "request timeout", http.StatusGatewayTimeout)
			return
		case <-time.After(2 * time.Millisecond):
		}
	}

	value, ok := h.store.Get(key)
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	h.respondJSON(w, map[string]string{"value": string(value)})
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request, key string, cmdType kv.CommandType) {
	var value []byte
	if cmdType == kv.CommandSet {
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		value = []byte(req.Value)
	}

	cmd, err := kv.EncodeCommand(cmdType, key, value, h.clientID, h.requestID.Add(1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()

	_, done, err := h.node.Propose(cmd)
	if err != nil {
		h.respondError(w, err)
		return
	}

	select {
	case err := <-done:
		if err != nil {
			h.respondError(w, err)
			return
		}
		h.respondJSON(w, map[string]string{"status": "ok"})
	case <-ctx.Done():
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"role":          h.node.Role().String(),
		"term":          h.node.Term(),
		"is_leader":     h.node.IsLeader(),
		"leader":        h.node.LeaderID().String(),
		"applied_index": h.node.LastAppliedIndex(),
	}
	if cfg, ok := h.node.Configuration(); ok {
		status["cluster_size"] = len(cfg.Peers)
		status["joint"] = cfg.Joint()
	}
	h.respondJSON(w, status)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch err {
	case raft.ErrNotLeader:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error":  "not leader",
			"leader": h.node.LeaderID().String(),
		})
	case raft.ErrTimeout, context.DeadlineExceeded:
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
