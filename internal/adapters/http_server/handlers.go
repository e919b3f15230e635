// internal/adapters/http_server/handlers.go
package httpserver

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"course_reactions/internal/app"
	"course_reactions/internal/domain"
)

const (
	headerUser   = "X-User-ID"
	headerDevice = "X-Device-ID"
)

type Handlers struct {
	engine       *app.Engine
	defaultOwner string
	heartbeat    time.Duration

	hydrated sync.Map // owner -> struct{}
	loading  singleflight.Group
}

func NewHandlers(e *app.Engine, defaultOwner string) *Handlers {
	return &Handlers{engine: e, defaultOwner: defaultOwner, heartbeat: 15 * time.Second}
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
	s.mux.Group(func(r chi.Router) {
		r.Use(Timeout(s.timeout))
		r.Get("/v1/reviews", h.listReviews)
		r.Get("/v1/reviews/{id}", h.getReview)
		r.Put("/v1/reviews/{id}/reaction", h.putReaction)
		r.Post("/v1/resync", h.resync)
	})
	// streams outlive any request timeout
	s.mux.Get("/v1/events", h.events)
}

type reviewView struct {
	ID            int64       `json:"id"`
	Title         *string     `json:"title,omitempty"`
	Content       *string     `json:"content,omitempty"`
	Rating        *float64    `json:"rating,omitempty"`
	CourseNumber  *string     `json:"course_number,omitempty"`
	ProfessorName *string     `json:"professor_name,omitempty"`
	CreatedAt     *time.Time  `json:"created_at,omitempty"`
	Likes         int         `json:"likes_count"`
	Dislikes      int         `json:"dislikes_count"`
	Net           int         `json:"net_rating"`
	MyReaction    domain.Kind `json:"my_reaction"`
	Pending       bool        `json:"pending"`
}

type reviewsPage struct {
	Items     []reviewView `json:"items"`
	Total     int          `json:"total"`
	FetchedAt time.Time    `json:"fetched_at"`
	Stale     bool         `json:"stale"`
}

type reactionRequest struct {
	Kind string `json:"kind"`
}

type reactionResponse struct {
	Status    string              `json:"status"`
	Kind      domain.Kind         `json:"kind"`
	AttemptID string              `json:"attempt_id,omitempty"`
	Calls     []string            `json:"calls"`
	Display   domain.DisplayState `json:"display"`
}

// owner resolves who is reacting: user first, then device, then the
// configured device id.
func (h *Handlers) owner(r *http.Request) string {
	for _, k := range []string{headerUser, headerDevice} {
		if v := strings.TrimSpace(r.Header.Get(k)); v != "" {
			return v
		}
	}
	return h.defaultOwner
}

// hydrate loads an owner's records once per process.
func (h *Handlers) hydrate(r *http.Request, owner string) error {
	if owner == "" {
		return nil
	}
	if _, ok := h.hydrated.Load(owner); ok {
		return nil
	}
	_, err, _ := h.loading.Do(owner, func() (any, error) {
		if _, ok := h.hydrated.Load(owner); ok {
			return nil, nil
		}
		// shared by every waiting request, so one disconnect must not abort it
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
		defer cancel()
		if err := h.engine.Hydrate(ctx, owner); err != nil {
			return nil, err
		}
		h.hydrated.Store(owner, struct{}{})
		return nil, nil
	})
	return err
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem{Type: "about:blank", Title: title, Status: status, Detail: detail}); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON response failed")
	}
}

// calcETagAndBody marshals once and hashes once, returning both ETag and body.
func calcETagAndBody(v any) (string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal object for ETag/body")
		return "", nil
	}
	sum := sha1.Sum(body)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`
	return etag, body
}

func reviewID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive number")
		return 0, false
	}
	return id, true
}

func (h *Handlers) listReviews(w http.ResponseWriter, r *http.Request) {
	owner := h.owner(r)
	if err := h.hydrate(r, owner); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Reaction Store Unavailable", err.Error())
		return
	}
	f := domain.ParseFilter(r.URL.Query())
	coll := h.engine.Collection()

	snap, err := coll.Current(r.Context(), f)
	if errors.Is(err, domain.ErrNotFound) || r.URL.Query().Get("refresh") == "true" {
		fresh, rerr := coll.Refresh(r.Context(), f)
		switch {
		case rerr == nil:
			snap = fresh
		case err == nil:
			// keep serving the last known good snapshot
			log.Warn().Err(rerr).Str("filter", f.Key()).Msg("refresh failed, serving last snapshot")
			snap.Stale = true
		default:
			writeProblem(w, http.StatusBadGateway, "Backend Unavailable", rerr.Error())
			return
		}
	}

	page := reviewsPage{Items: make([]reviewView, 0, len(snap.Reviews)), Total: len(snap.Reviews), FetchedAt: snap.FetchedAt, Stale: snap.Stale}
	for _, rv := range snap.Reviews {
		page.Items = append(page.Items, toView(rv, h.engine.Display(owner, rv.ID)))
	}

	etag, body := calcETagAndBody(page)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Msg("failed to write listReviews body")
	}
}

func toView(rv domain.Review, st domain.DisplayState) reviewView {
	return reviewView{
		ID:            rv.ID,
		Title:         rv.Title,
		Content:       rv.Content,
		Rating:        rv.Rating,
		CourseNumber:  rv.CourseNumber,
		ProfessorName: rv.ProfessorName,
		CreatedAt:     rv.CreatedAt,
		Likes:         st.Likes,
		Dislikes:      st.Dislikes,
		Net:           st.Net,
		MyReaction:    st.MyReaction,
		Pending:       st.Pending,
	}
}

func (h *Handlers) getReview(w http.ResponseWriter, r *http.Request) {
	id, ok := reviewID(w, r)
	if !ok {
		return
	}
	owner := h.owner(r)
	if err := h.hydrate(r, owner); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Reaction Store Unavailable", err.Error())
		return
	}
	st := h.engine.Display(owner, id)
	if !st.Known {
		writeProblem(w, http.StatusNotFound, "Not Found", "review is not in any loaded collection")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) putReaction(w http.ResponseWriter, r *http.Request) {
	id, ok := reviewID(w, r)
	if !ok {
		return
	}
	owner := h.owner(r)
	if owner == "" {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "X-User-ID or X-Device-ID is required")
		return
	}
	var req reactionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Body", `expected {"kind":"like|dislike|none"}`)
		return
	}
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Kind", err.Error())
		return
	}
	if err := h.hydrate(r, owner); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Reaction Store Unavailable", err.Error())
		return
	}

	out, err := h.engine.RequestReaction(r.Context(), owner, id, kind)
	switch out.Status {
	case app.Applied:
		writeJSON(w, http.StatusOK, toResponse(out))
	case app.Busy:
		writeJSON(w, http.StatusConflict, toResponse(out))
	default:
		status, title := failureStatus(err)
		writeProblem(w, status, title, out.Reason)
	}
}

func toResponse(out app.Outcome) reactionResponse {
	calls := make([]string, 0, len(out.Calls))
	for _, c := range out.Calls {
		calls = append(calls, c.String())
	}
	return reactionResponse{
		Status:    out.Status.String(),
		Kind:      out.Kind,
		AttemptID: out.AttemptID,
		Calls:     calls,
		Display:   out.Display,
	}
}

func failureStatus(err error) (int, string) {
	var pe *domain.PersistenceError
	switch {
	case errors.As(err, &pe):
		return http.StatusServiceUnavailable, "Reaction Store Unavailable"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	default:
		return http.StatusBadGateway, "Reaction Failed"
	}
}

func (h *Handlers) resync(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResyncAll(r.Context()); err != nil {
		writeProblem(w, http.StatusBadGateway, "Resync Failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// events streams display recomputations for the requesting owner.
func (h *Handlers) events(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming Unsupported", "")
		return
	}
	owner := h.owner(r)
	if err := h.hydrate(r, owner); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Reaction Store Unavailable", err.Error())
		return
	}
	ch, cancel := h.engine.Subscribe(owner, 64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	tick := time.NewTicker(h.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			fl.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Msg("marshal display event failed")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: display\ndata: %s\n\n", b); err != nil {
				return
			}
			fl.Flush()
		}
	}
}
