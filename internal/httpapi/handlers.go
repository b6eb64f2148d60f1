package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"correctord/internal/jobs"
	"correctord/internal/registry"
	"correctord/pkg/logx"

	"github.com/go-chi/chi/v5"
)

type handler struct {
	jobs *jobs.Service
	log  logx.Logger
}

func (h *handler) limits(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	l, err := h.jobs.Limits(r.Context(), uid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	var req jobs.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	req.UserID = uid
	res, err := h.jobs.Submit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}
	res, err := h.jobs.Status(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) artifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}
	list, err := h.jobs.ListArtifacts(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "artifacts": list})
}

func (h *handler) suggestions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}
	list, err := h.jobs.Suggestions(r.Context(), id, r.URL.Query().Get("status"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "total": len(list), "suggestions": list})
}

func (h *handler) resolveAll(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.owned(w, r)
		if !ok {
			return
		}
		n, err := h.jobs.ResolveSuggestions(r.Context(), id, status)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "status": status, "updated": n})
	}
}

func (h *handler) suggestion(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedSuggestion(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) review(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedSuggestion(w, r)
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	res, err := h.jobs.SetSuggestionStatus(r.Context(), s.ID, body.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ownedSuggestion loads the suggestion and applies the same ownership rule
// as owned, through the suggestion's job.
func (h *handler) ownedSuggestion(w http.ResponseWriter, r *http.Request) (jobs.Suggestion, bool) {
	uid, _ := UserIDFromContext(r.Context())
	s, err := h.jobs.Suggestion(r.Context(), chi.URLParam(r, "sid"))
	if err == nil {
		var owner string
		if owner, err = h.jobs.Owner(r.Context(), s.JobID); err == nil && owner != uid {
			err = registry.ErrNotFound
		}
	}
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "suggestion not found")
		return jobs.Suggestion{}, false
	}
	if err != nil {
		h.fail(w, r, err)
		return jobs.Suggestion{}, false
	}
	return s, true
}

// owned resolves the job id and hides jobs of other users behind a 404.
func (h *handler) owned(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid, _ := UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	owner, err := h.jobs.Owner(r.Context(), id)
	if err == nil && owner != uid {
		err = registry.ErrNotFound
	}
	if err != nil {
		h.fail(w, r, err)
		return "", false
	}
	return id, true
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, jobs.ErrProjectNotFound), errors.Is(err, jobs.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrNoDocuments), errors.Is(err, jobs.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		h.log.Error("http.failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
