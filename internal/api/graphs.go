package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/auth"
	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/graph"
	"github.com/felipepmaragno/kb-gateway/internal/notifications"
	"github.com/felipepmaragno/kb-gateway/internal/telemetry"
)

// ground queries the graph for key and returns the system prompt built from
// the result, or "" when nothing relevant was found.
func (h *Handler) ground(ctx context.Context, key, prompt string) (string, error) {
	if !graph.ValidKey(key) {
		return "", fmt.Errorf("%w: %q", graph.ErrInvalidKey, key)
	}

	ctx, span := telemetry.StartSpan(ctx, "api.Ground")
	defer span.End()

	inst, err := h.graphs.Load(ctx, key)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return "", err
	}

	res, err := inst.Query(ctx, prompt, h.topK)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return "", fmt.Errorf("query graph %s: %w", key, err)
	}
	return graph.SystemPrompt(graph.FormatContext(res, h.topK, h.wordBudget)), nil
}

type insertRequest struct {
	FileName      string               `json:"file_name"`
	Content       string               `json:"content"`
	Entities      []graph.Entity       `json:"entities"`
	Relationships []graph.Relationship `json:"relationships"`
}

type graphResponse struct {
	Key      string                `json:"key"`
	Meta     *domain.GraphMetadata `json:"meta,omitempty"`
	Stats    graph.Stats           `json:"stats"`
	Resident bool                  `json:"resident"`
}

func (h *Handler) handleInsertDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.PathValue("key")
	if !graph.ValidKey(key) {
		writeError(w, http.StatusBadRequest, "invalid graph key")
		return
	}

	var req insertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	principal, _ := auth.PrincipalFromContext(ctx)
	created := !h.store.Exists(key)
	if !created && !h.ownsGraph(principal, key) {
		writeError(w, http.StatusForbidden, "not the owner of this graph")
		return
	}
	if created {
		meta := domain.GraphMetadata{
			FileName:  req.FileName,
			CreatedAt: time.Now().UTC(),
			UserID:    principal.UserID,
		}
		if err := h.store.Create(key, meta); err != nil {
			slog.Error("graph create failed", "error", err, "graph_key", key)
			writeDomainError(w, err)
			return
		}
	}

	inst, err := h.graphs.Load(ctx, key)
	if err != nil {
		slog.Error("graph load failed", "error", err, "graph_key", key)
		writeDomainError(w, err)
		return
	}

	doc := graph.Document{
		Content:       req.Content,
		Entities:      req.Entities,
		Relationships: req.Relationships,
	}
	if err := inst.Insert(ctx, doc); err != nil {
		slog.Warn("graph insert failed", "error", err, "graph_key", key)
		writeDomainError(w, err)
		return
	}

	slog.Info("document inserted",
		"graph_key", key,
		"user_id", principal.UserID,
		"created", created,
	)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(graphResponse{Key: key, Stats: inst.Stats(), Resident: true})
}

func (h *Handler) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !graph.ValidKey(key) {
		writeError(w, http.StatusBadRequest, "invalid graph key")
		return
	}
	if !h.store.Exists(key) {
		writeError(w, http.StatusNotFound, "graph not found")
		return
	}

	resp := graphResponse{Key: key}
	meta, ok, err := h.store.Meta(key)
	if err != nil {
		slog.Warn("graph meta unreadable", "error", err, "graph_key", key)
	} else if ok {
		resp.Meta = &meta
	}

	inst, err := h.graphs.Load(r.Context(), key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp.Stats = inst.Stats()
	resp.Resident = true

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.PathValue("key")
	if !graph.ValidKey(key) {
		writeError(w, http.StatusBadRequest, "invalid graph key")
		return
	}
	if !h.store.Exists(key) {
		writeError(w, http.StatusNotFound, "graph not found")
		return
	}

	principal, _ := auth.PrincipalFromContext(ctx)
	if !h.ownsGraph(principal, key) {
		writeError(w, http.StatusForbidden, "not the owner of this graph")
		return
	}

	if err := h.store.Remove(key); err != nil {
		slog.Error("graph remove failed", "error", err, "graph_key", key)
		writeDomainError(w, err)
		return
	}
	// Peers holding the graph see a missing record and drop it on their next hit.
	if err := h.graphs.Remove(ctx, key); err != nil {
		slog.Warn("graph record delete failed", "error", err, "graph_key", key)
	}

	ev := notifications.Event{
		Type:     notifications.EventGraphDeleted,
		GraphKey: key,
		Instance: h.instance,
		UserID:   principal.UserID,
		At:       time.Now().UTC(),
	}
	if err := h.publisher.Publish(ctx, ev); err != nil {
		slog.Warn("release broadcast failed", "error", err, "graph_key", key)
	}

	slog.Info("graph deleted", "graph_key", key, "user_id", principal.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// ownsGraph allows the recorded owner or anyone holding graph:manage_any. A
// graph without an owner on record needs the latter.
func (h *Handler) ownsGraph(p auth.Principal, key string) bool {
	if p.Can(auth.PermissionGraphManageAny) {
		return true
	}
	meta, ok, err := h.store.Meta(key)
	if err != nil {
		slog.Warn("graph meta unreadable", "error", err, "graph_key", key)
		return false
	}
	return ok && meta.UserID != "" && meta.UserID == p.UserID
}

// ApplyEvent handles a graph event received from another process.
func (h *Handler) ApplyEvent(_ context.Context, ev notifications.Event) {
	switch ev.Type {
	case notifications.EventGraphReleased, notifications.EventGraphDeleted:
		released := h.graphs.Release(ev.GraphKey)
		slog.Info("graph released by peer",
			"graph_key", ev.GraphKey,
			"peer", ev.Instance,
			"was_resident", released,
		)
	default:
		slog.Debug("ignoring graph event", "type", ev.Type)
	}
}
