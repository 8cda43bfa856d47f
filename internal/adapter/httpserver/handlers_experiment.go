package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nes-lab/shepherd-server/internal/domain"
)

// mimetype ships without an HDF matcher, so result files would sniff as
// octet-stream without this.
func init() {
	mimetype.Extend(func(raw []byte, _ uint32) bool {
		return bytes.HasPrefix(raw, []byte("\x89HDF\r\n\x1a\n"))
	}, "application/x-hdf5", ".h5")
}

func experimentID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed experiment id: %w", domain.ErrInvalidArgument)
	}
	return id, nil
}

// ExperimentSubmit handles POST /experiment. The body is the declarative
// experiment itself.
func (h *Handlers) ExperimentSubmit(w http.ResponseWriter, r *http.Request) {
	var xp domain.Experiment
	if err := json.NewDecoder(r.Body).Decode(&xp); err != nil {
		writeError(w, r, fmt.Errorf("malformed body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	record, err := h.Experiments.Submit(r.Context(), UserFrom(r), xp)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": record.ID.String()})
}

// ExperimentList handles GET /experiment: id → state for the caller.
func (h *Handlers) ExperimentList(w http.ResponseWriter, r *http.Request) {
	states, err := h.Experiments.States(r.Context(), UserFrom(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stateMap(states))
}

// ExperimentListAll handles GET /experiment/all (admin only).
func (h *Handlers) ExperimentListAll(w http.ResponseWriter, r *http.Request) {
	states, err := h.Experiments.StatesAll(r.Context(), UserFrom(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stateMap(states))
}

func stateMap(states map[uuid.UUID]domain.ExperimentState) map[string]string {
	out := make(map[string]string, len(states))
	for id, state := range states {
		out[id.String()] = string(state)
	}
	return out
}

// ExperimentGet handles GET /experiment/{id}.
func (h *Handlers) ExperimentGet(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	xp, err := h.Experiments.Get(r.Context(), UserFrom(r), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, xp.Experiment)
}

// ExperimentDelete handles DELETE /experiment/{id}.
func (h *Handlers) ExperimentDelete(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := h.Experiments.Delete(r.Context(), UserFrom(r), id); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExperimentSchedule handles POST /experiment/{id}/schedule.
func (h *Handlers) ExperimentSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := h.Experiments.Schedule(r.Context(), UserFrom(r), id); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "scheduled"})
}

// ExperimentState handles GET /experiment/{id}/state.
func (h *Handlers) ExperimentState(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	state, err := h.Experiments.State(r.Context(), UserFrom(r), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, string(state))
}

// ExperimentDownloadList handles GET /experiment/{id}/download.
func (h *Handlers) ExperimentDownloadList(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	names, err := h.Experiments.DownloadList(r.Context(), UserFrom(r), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// ExperimentDownload handles GET /experiment/{id}/download/{observer}: it
// streams the result file with a sniffed content type.
func (h *Handlers) ExperimentDownload(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	observer := chi.URLParam(r, "observer")
	path, err := h.Experiments.DownloadPath(r.Context(), UserFrom(r), id, observer)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		writeError(w, r, fmt.Errorf("op=download.detect: %w", domain.ErrInternal), nil)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		writeError(w, r, domain.ErrNotFound, nil)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeError(w, r, domain.ErrNotFound, nil)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", mtype.String())
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}
