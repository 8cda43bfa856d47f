package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nes-lab/shepherd-server/internal/domain"
)

// TestbedStatus handles GET /testbed.
func (h *Handlers) TestbedStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Status.Get(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Restrictions handles GET /testbed/restrictions.
func (h *Handlers) Restrictions(w http.ResponseWriter, r *http.Request) {
	status, err := h.Status.Get(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if status.Restrictions == nil {
		status.Restrictions = []string{}
	}
	writeJSON(w, http.StatusOK, status.Restrictions)
}

type restrictionsRequest struct {
	Restrictions []string `json:"restrictions"`
}

// RestrictionsPatch handles PATCH /testbed/restrictions (admin only).
func (h *Handlers) RestrictionsPatch(w http.ResponseWriter, r *http.Request) {
	var req restrictionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("malformed body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Status.SaveRestrictions(r.Context(), req.Restrictions); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restrictions updated"})
}

// Command handles GET /testbed/command.
func (h *Handlers) Command(w http.ResponseWriter, r *http.Request) {
	status, err := h.Status.Get(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"command": status.Command})
}

type commandRequest struct {
	Command string `json:"command"`
}

// CommandPatch handles PATCH /testbed/command (elevated or admin). The only
// supported order is draining the queue down to elevated users.
func (h *Handlers) CommandPatch(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("malformed body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if req.Command != domain.CommandNone && req.Command != domain.CommandDrain {
		writeError(w, r, fmt.Errorf("unknown command %q: %w", req.Command, domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Status.SaveCommand(r.Context(), req.Command); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"command": req.Command})
}

// ContentKinds handles GET /testbed/content.
func (h *Handlers) ContentKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.Kinds())
}

// ContentIDs handles GET /testbed/content/{kind}.
func (h *Handlers) ContentIDs(w http.ResponseWriter, r *http.Request) {
	kind := domain.ContentKind(chi.URLParam(r, "kind"))
	ids, err := h.Registry.IDs(kind)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// ContentItem handles GET /testbed/content/{kind}/{id}.
func (h *Handlers) ContentItem(w http.ResponseWriter, r *http.Request) {
	kind := domain.ContentKind(chi.URLParam(r, "kind"))
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, fmt.Errorf("malformed id: %w", domain.ErrInvalidArgument), nil)
		return
	}
	item, err := h.Registry.Resolve(kind, id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
