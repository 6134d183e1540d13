package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Curious-r/cumments/internal/domain"
	"github.com/Curious-r/cumments/internal/pipeline"
)

// challengeResponse is the §6 GET /api/challenge payload.
type challengeResponse struct {
	Secret     string `json:"secret"`
	Difficulty int    `json:"difficulty"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	secret, difficulty, err := s.gate.Mint()
	if err != nil {
		s.log.LogError("minting challenge", "error", err)
		writeError(w, domain.Wrap(domain.KindInternal, err, "minting challenge"))
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Secret: secret, Difficulty: difficulty})
}

// submitRequest is the §6 POST /api/:site_id/comments body.
type submitRequest struct {
	PostSlug          string `json:"post_slug"`
	Nickname          string `json:"nickname"`
	Content           string `json:"content"`
	ChallengeResponse string `json:"challenge_response"`
	ReplyTo           string `json:"reply_to,omitempty"`
	TxnID             string `json:"txn_id,omitempty"`
}

type submitResponse struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["site_id"]

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, err, "malformed request body"))
		return
	}

	authMXID := authenticatedMXID(r)

	res, err := s.pipeline.Submit(r.Context(), pipeline.Submission{
		SiteID:            siteID,
		PostSlug:          req.PostSlug,
		Nickname:          req.Nickname,
		Content:           req.Content,
		ChallengeResponse: req.ChallengeResponse,
		ReplyTo:           req.ReplyTo,
		TxnID:             req.TxnID,
		AuthMXID:          authMXID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitResponse{
		ID:        res.EventID,
		CreatedAt: res.Comment.CreatedAt,
	})
}

// healthResponse reports sync progress, the way the teacher's
// TestConnection/GetServerInfo give operators a window into an
// otherwise opaque homeserver link.
type healthResponse struct {
	Status        string `json:"status"`
	SyncToken     string `json:"sync_token,omitempty"`
	SkippedEvents int    `json:"skipped_events"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	since, _, err := s.rooms.GetMeta("matrix.sync_token")
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInternal, err, "reading sync token"))
		return
	}
	skipped, err := s.rooms.SkippedEventCount()
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInternal, err, "reading skipped event count"))
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", SyncToken: since, SkippedEvents: skipped})
}

// authenticatedMXID resolves an authenticated poster's mxid from a
// trusted upstream auth proxy header. cumments itself performs no
// Matrix login flow; spec.md §4.E treats the absence of this header
// as "guest" for author_id derivation purposes.
func authenticatedMXID(r *http.Request) string {
	return r.Header.Get("X-Cumments-Auth-MXID")
}

// listResponse is the §6 GET /api/:site_id/comments/:slug payload.
type listResponse struct {
	Items      []domain.PublicView `json:"items"`
	NextBefore string               `json:"next_before,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	siteID, slug := vars["site_id"], vars["slug"]

	if err := domain.ValidateSiteID(siteID); err != nil {
		writeError(w, err)
		return
	}
	if err := domain.ValidatePostSlug(slug); err != nil {
		writeError(w, err)
		return
	}

	before, err := decodeCursor(r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, domain.New(domain.KindInvalidInput, "malformed limit"))
			return
		}
	}

	room, ok, err := s.rooms.LookupRoom(siteID, slug)
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInternal, err, "looking up room"))
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, listResponse{Items: []domain.PublicView{}})
		return
	}

	rows, next, err := s.rooms.List(room.RoomID, before, limit)
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInternal, err, "listing comments"))
		return
	}

	items := make([]domain.PublicView, 0, len(rows))
	for _, c := range rows {
		items = append(items, c.ToPublicView())
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, NextBefore: encodeCursor(next)})
}

// sseHeartbeatInterval matches spec.md §6's "heartbeat comment line
// every 15 s" so idle proxies don't close the connection.
const sseHeartbeatInterval = 15 * time.Second

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	siteID, slug := vars["site_id"], vars["slug"]

	room, ok, err := s.rooms.LookupRoom(siteID, slug)
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInternal, err, "looking up room"))
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := s.hub.Subscribe(room.RoomID)
	defer unsubscribe()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				fmt.Fprint(w, "event: error\ndata: {\"reason\":\"overflow\"}\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(ev.Comment)
			if err != nil {
				s.log.LogError("marshaling sse event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := statusForKind(kind)
	writeJSON(w, status, errorBody{Code: kindCode(kind), Message: err.Error()})
}

func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindPowFailed:
		return http.StatusForbidden
	case domain.KindAuthFailed:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func kindCode(kind domain.Kind) string {
	switch kind {
	case domain.KindInvalidInput:
		return "InvalidInput"
	case domain.KindPowFailed:
		return "PowFailed"
	case domain.KindAuthFailed:
		return "AuthFailed"
	case domain.KindNotFound:
		return "NotFound"
	case domain.KindConflict:
		return "Conflict"
	case domain.KindUpstreamUnavailable:
		return "UpstreamUnavailable"
	default:
		return "Internal"
	}
}
