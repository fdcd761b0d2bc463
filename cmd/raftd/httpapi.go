package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cbarrett/raftcore/pkg/fsm"
	"github.com/cbarrett/raftcore/pkg/raft"
)

// httpHandler exposes the key/value state machine built from committed
// entries over a small REST surface, adapted from the teacher's own
// HTTP handler shape (one mux, GET/PUT/DELETE on /kv/, GET on /status).
// Reads are served from the local fsm.Store directly: linearizable
// reads are out of scope, so a GET answers from whatever this node has
// applied so far, which may lag the true commit index.
type httpHandler struct {
	self    raft.ServerID
	engine  *raft.Raft
	machine *fsm.Store
	pump    *pump
	mux     *http.ServeMux

	requestSeq int64
}

func newHTTPHandler(p *pump, machine *fsm.Store, self raft.ServerID) *httpHandler {
	h := &httpHandler{self: self, engine: p.engine, machine: machine, pump: p, mux: http.NewServeMux()}
	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	return h
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *httpHandler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, ok := h.machine.Get(key)
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"value": string(value)})

	case http.MethodPut, http.MethodPost:
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		h.submit(w, r, fsm.CommandSet, key, []byte(req.Value))

	case http.MethodDelete:
		h.submit(w, r, fsm.CommandDelete, key, nil)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *httpHandler) submit(w http.ResponseWriter, r *http.Request, cmdType fsm.CommandType, key string, value []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	requestID := uint64(atomic.AddInt64(&h.requestSeq, 1))
	cmd, err := fsm.EncodeCommand(cmdType, key, value, newClientID(), requestID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	_, err = h.pump.submit(cmd, ctx.Done())
	if err != nil {
		if err == raft.ErrNotLeader {
			h.respondNotLeader(w)
			return
		}
		if err == context.DeadlineExceeded {
			http.Error(w, "request timeout", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *httpHandler) respondNotLeader(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":       "not leader",
		"leader_hint": h.pump.leaderHint,
	})
}

func (h *httpHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"id":           strconv.FormatUint(uint64(h.self), 10),
		"role":         h.engine.Role().String(),
		"term":         h.engine.CurrentTerm(),
		"commit_index": h.engine.CommitIndex(),
		"leader_hint":  h.pump.leaderHint,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
