package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/thoughtd/internal/apperr"
	"github.com/kalambet/thoughtd/internal/entitlement"
	"github.com/kalambet/thoughtd/internal/processor"
	"github.com/kalambet/thoughtd/internal/storage"
	"github.com/kalambet/thoughtd/internal/thought"
	"github.com/kalambet/thoughtd/internal/toolspec"
)

const maxRequestBodySize = 1 << 20 // 1MB

const defaultGuestTTL = 24 * time.Hour

type AppDeps struct {
	Processor    *processor.Processor
	Store        *storage.Store
	Entitlements *entitlement.Checker
	Catalog      *toolspec.Catalog
	Token        string
	GuestTTL     time.Duration
}

// NewAppHandler returns the REST API. Everything except /health requires
// the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.GuestTTL <= 0 {
		deps.GuestTTL = defaultGuestTTL
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(Identity)

		r.Get("/thoughts", handleListThoughts(deps))
		r.Post("/thoughts", handleCreateThought(deps))
		r.Get("/thoughts/{id}", handleGetThought(deps))
		r.Get("/thoughts/{id}/history", handleGetHistory(deps))
		r.Post("/thoughts/{id}/process", handleProcess(deps))
		r.Post("/thoughts/{id}/revert", handleRevert(deps))
		r.Post("/thoughts/{id}/suggestions/{sid}/accept", handleSuggestion(deps, true))
		r.Post("/thoughts/{id}/suggestions/{sid}/reject", handleSuggestion(deps, false))
		r.Get("/jobs/{id}", handleGetJob(deps))

		r.Get("/tools", handleListTools(deps))
		r.Put("/tools/enrollment", handleSetEnrollment(deps))
		r.Put("/subscription", handlePutSubscription(deps))
		r.Post("/context-items", handleAddContextItem(deps))
		r.Post("/guest-sessions", handleCreateGuestSession(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

type CreateThoughtRequest struct {
	Text string   `json:"text"`
	Tags []string `json:"tags"`
}

type CreateThoughtResponse struct {
	Thought thought.Thought          `json:"thought"`
	Job     *processor.EnqueueResult `json:"job,omitempty"`
}

func handleCreateThought(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateThoughtRequest
		if !decodeBody(w, r, &req) {
			return
		}
		t, job, err := deps.Processor.CreateThought(r.Context(), CallerFrom(r.Context()), req.Text, req.Tags)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, CreateThoughtResponse{Thought: t, Job: job})
	}
}

func handleListThoughts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, r, apperr.New(apperr.InvalidArgument, "limit must be a positive integer"))
				return
			}
			limit = n
		}
		thoughts, err := deps.Processor.Thoughts(r.Context(), CallerFrom(r.Context()), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, thoughts)
	}
}

func handleGetThought(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Processor.Thought(r.Context(), CallerFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleGetHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Processor.History(r.Context(), CallerFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

type ProcessRequest struct {
	Trigger        thought.Trigger `json:"trigger"`
	ToolSpecIDs    []string        `json:"tool_spec_ids"`
	AllowReprocess bool            `json:"allow_reprocess"`
}

func handleProcess(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProcessRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		if req.Trigger == "" {
			req.Trigger = thought.TriggerManual
		}
		res, err := deps.Processor.Enqueue(r.Context(), CallerFrom(r.Context()), chi.URLParam(r, "id"), req.Trigger,
			processor.EnqueueOptions{ToolSpecIDs: req.ToolSpecIDs, AllowReprocess: req.AllowReprocess})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

func handleRevert(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Processor.Revert(r.Context(), CallerFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleSuggestion(deps AppDeps, accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFrom(r.Context())
		id, sid := chi.URLParam(r, "id"), chi.URLParam(r, "sid")

		var (
			t   thought.Thought
			err error
		)
		if accept {
			t, err = deps.Processor.AcceptSuggestion(r.Context(), caller, id, sid)
		} else {
			t, err = deps.Processor.RejectSuggestion(r.Context(), caller, id, sid)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Processor.Job(r.Context(), CallerFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

type toolView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func handleListTools(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		specs := deps.Catalog.Specs()
		out := make([]toolView, len(specs))
		for i, s := range specs {
			out[i] = toolView{ID: s.ID, Name: s.Name, Description: s.Description}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// requireUser rejects guests and anonymous callers from account endpoints.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	c := CallerFrom(r.Context())
	if c.UserID == "" {
		writeError(w, r, apperr.New(apperr.Unauthenticated, "a user id is required"))
		return "", false
	}
	return c.UserID, true
}

type EnrollmentRequest struct {
	ToolIDs []string `json:"tool_ids"`
}

func handleSetEnrollment(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var req EnrollmentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		for _, id := range req.ToolIDs {
			if _, known := deps.Catalog.Get(id); !known {
				writeError(w, r, apperr.New(apperr.InvalidArgument, "unknown tool %q", id))
				return
			}
		}
		if err := deps.Store.SetEnrolledTools(r.Context(), userID, req.ToolIDs); err != nil {
			writeError(w, r, apperr.Wrap(apperr.Internal, err, "saving enrollment failed"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handlePutSubscription(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var sub entitlement.Subscription
		if !decodeBody(w, r, &sub) {
			return
		}
		if err := deps.Store.PutSubscription(r.Context(), userID, sub); err != nil {
			writeError(w, r, apperr.Wrap(apperr.Internal, err, "saving subscription failed"))
			return
		}
		deps.Entitlements.Invalidate(userID)

		d, err := deps.Entitlements.Check(r.Context(), userID)
		if err != nil {
			writeError(w, r, apperr.Wrap(apperr.Internal, err, "checking entitlement failed"))
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

type ContextItemRequest struct {
	Kind   thought.ContextKind `json:"kind"`
	Title  string              `json:"title"`
	Detail string              `json:"detail"`
}

func handleAddContextItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var req ContextItemRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if !req.Kind.Valid() {
			writeError(w, r, apperr.New(apperr.InvalidArgument, "unknown context kind %q", req.Kind))
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			writeError(w, r, apperr.New(apperr.InvalidArgument, "title is required"))
			return
		}
		item := thought.ContextItem{
			ID:        uuid.NewString(),
			UserID:    userID,
			Kind:      req.Kind,
			Title:     req.Title,
			Detail:    req.Detail,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.AddContextItem(r.Context(), item); err != nil {
			writeError(w, r, apperr.Wrap(apperr.Internal, err, "saving context item failed"))
			return
		}
		writeJSON(w, http.StatusCreated, item)
	}
}

type GuestSessionRequest struct {
	AIAllowed bool `json:"ai_allowed"`
}

func handleCreateGuestSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GuestSessionRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		now := time.Now().UTC()
		sess := entitlement.GuestSession{
			ID:        uuid.NewString(),
			AIAllowed: req.AIAllowed,
			CreatedAt: now,
			ExpiresAt: now.Add(deps.GuestTTL),
		}
		if err := deps.Store.CreateGuestSession(r.Context(), sess); err != nil {
			writeError(w, r, apperr.Wrap(apperr.Internal, err, "creating guest session failed"))
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}
