package matrix

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/Curious-r/cumments/internal/store"
)

// AppServiceAdapter is the exclusive-namespace operation mode: it
// receives transactions pushed by the homeserver and may puppet
// @cumments_* ghost users. Spec.md §4.C.
type AppServiceAdapter struct {
	*base
	hsToken string
}

// NewAppServiceAdapter constructs an appservice-mode adapter. hsToken
// is the secret the homeserver must present on every transaction PUT.
func NewAppServiceAdapter(client *Client, serverName, hsToken string, rooms store.Store) *AppServiceAdapter {
	return &AppServiceAdapter{base: newBase(client, serverName, rooms), hsToken: hsToken}
}

// SendComment provisions (or reuses) a ghost for author and sends as
// that ghost, so the comment's Matrix sender is itself attributable.
func (a *AppServiceAdapter) SendComment(ctx context.Context, roomID string, author Author, content, replyTo, txnID string) (string, error) {
	ghostMXID, err := a.ensureGhost(ctx, author)
	if err != nil {
		return "", errors.Wrap(err, "ensuring ghost user")
	}
	if err := a.client.InviteUser(ctx, roomID, ghostMXID); err != nil {
		// The homeserver may already consider the ghost joined; the
		// invite call treats "already in the room" as success, so a
		// genuine failure here is worth surfacing.
		return "", errors.Wrap(err, "inviting ghost to room")
	}

	mc := buildMessageContent(author, content, replyTo, txnID)
	resp, err := a.client.SendEventAsGhost(ctx, roomID, "m.room.message", mc, ghostMXID)
	if err != nil {
		return "", errors.Wrap(err, "sending appservice-mode comment")
	}
	return resp.EventID, nil
}

func (a *AppServiceAdapter) Close() error {
	close(a.events)
	return nil
}

// transaction mirrors PUT /_matrix/app/v1/transactions/{txnId}'s body.
type transaction struct {
	Events []json.RawMessage `json:"events"`
}

// RegisterRoutes wires the appservice transaction endpoint and the
// namespace-query endpoints (§6 "HTTP, inbound from homeserver") into r.
func (a *AppServiceAdapter) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/_matrix/app/v1/transactions/{txnId}", a.handleTransaction).Methods(http.MethodPut)
	r.HandleFunc("/_matrix/app/v1/users/{userId}", a.handleQueryUser).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/app/v1/rooms/{alias}", a.handleQueryRoom).Methods(http.MethodGet)
}

// ghostLocalpartPrefix is the fixed prefix every ghost user's localpart
// carries, per domain.GhostLocalpart.
const ghostLocalpartPrefix = "cumments_"

// handleQueryUser answers the homeserver's "is this user ours?" probe.
// Any localpart under the ghost namespace is accepted on demand: the
// ghost is provisioned lazily by SendComment, not here, so this just
// reports namespace membership.
func (a *AppServiceAdapter) handleQueryUser(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	userID := mux.Vars(r)["userId"]
	local := strings.TrimPrefix(userID, "@")
	if idx := strings.IndexByte(local, ':'); idx > 0 {
		local = local[:idx]
	}
	if strings.HasPrefix(local, ghostLocalpartPrefix) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

// handleQueryRoom answers the homeserver's "is this alias ours?" probe.
// Every alias cumments creates has the "#cumments_" prefix (domain.RoomAlias);
// anything else is out of namespace.
func (a *AppServiceAdapter) handleQueryRoom(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	alias := mux.Vars(r)["alias"]
	local := strings.TrimPrefix(alias, "#")
	if idx := strings.IndexByte(local, ':'); idx > 0 {
		local = local[:idx]
	}
	if strings.HasPrefix(local, ghostLocalpartPrefix) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (a *AppServiceAdapter) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	txnID := mux.Vars(r)["txnId"]
	const metaKeyPrefix = "matrix.appservice.last_txn"

	last, ok, err := a.rooms.GetMeta(metaKeyPrefix)
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	if ok && last == txnID {
		// Exactly-once per txnId (spec.md §4.C): replay is a no-op 200.
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var txn transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		http.Error(w, "malformed transaction body", http.StatusBadRequest)
		return
	}

	for _, raw := range txn.Events {
		roomID, roomErr := extractRoomID(raw)
		if roomErr != nil || roomID == "" {
			continue
		}
		ev, ok, nerr := NormalizeEvent(roomID, raw)
		if nerr != nil || !ok {
			continue
		}
		select {
		case a.events <- ev:
		case <-r.Context().Done():
			return
		}
	}

	if err := a.rooms.SetMeta(metaKeyPrefix, txnID); err != nil {
		http.Error(w, "failed to record transaction", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{}"))
}

func (a *AppServiceAdapter) authorize(r *http.Request) bool {
	supplied := r.URL.Query().Get("access_token")
	if supplied == "" {
		supplied = r.Header.Get("Authorization")
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(a.hsToken)) == 1 ||
		subtle.ConstantTimeCompare([]byte(supplied), []byte("Bearer "+a.hsToken)) == 1
}

func extractRoomID(raw json.RawMessage) (string, error) {
	var envelope struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", err
	}
	return envelope.RoomID, nil
}
