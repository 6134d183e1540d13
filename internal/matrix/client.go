// Package matrix talks to a Matrix homeserver as an Application Service
// or as a single bot account: room creation/lookup, ghost-user
// provisioning, and sending/redacting events on a ghost's behalf.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Error is a parsed Matrix API error response.
type Error struct {
	ErrCode    string `json:"errcode"`
	ErrMsg     string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matrix API error: %d %s - %s", e.StatusCode, e.ErrCode, e.ErrMsg)
}

// IsUserInUse reports whether a registration failed because the
// localpart was already registered — a success condition for ghost
// provisioning, not a failure.
func (e *Error) IsUserInUse() bool {
	return e.ErrCode == "M_USER_IN_USE"
}

func parseMatrixError(statusCode int, body []byte) *Error {
	var mErr Error
	mErr.StatusCode = statusCode
	if err := json.Unmarshal(body, &mErr); err != nil {
		mErr.ErrCode = "UNKNOWN"
		mErr.ErrMsg = string(body)
	}
	return &mErr
}

// ValidatePathComponent rejects path traversal sequences before a
// component is interpolated into a Matrix C-S API path.
func ValidatePathComponent(component string) error {
	if strings.Contains(component, "..") {
		return errors.Errorf("path traversal detected in component: %s", component)
	}
	return nil
}

// BuildSecureURL joins baseURL with escaped, traversal-checked path
// components.
func BuildSecureURL(baseURL string, pathComponents ...string) (string, error) {
	var parts []string
	for _, c := range pathComponents {
		if err := ValidatePathComponent(c); err != nil {
			return "", err
		}
		parts = append(parts, url.PathEscape(c))
	}
	return baseURL + strings.Join(parts, "/"), nil
}

// Logger is the narrow logging surface the client needs.
type Logger interface {
	LogDebug(message string, keyValuePairs ...any)
	LogInfo(message string, keyValuePairs ...any)
	LogWarn(message string, keyValuePairs ...any)
	LogError(message string, keyValuePairs ...any)
}

// Client is a Matrix HTTP client. Every call authenticates with asToken
// (the AS token in appservice mode, the bot's access token in bot mode).
// SendEventAsGhost, RedactEventAsGhost and SetDisplayName impersonate a
// user via the ?user_id= query parameter; the other calls act as the
// token's own user.
type Client struct {
	serverURL    string
	asToken      string
	httpClient   *http.Client
	logger       Logger
	serverDomain string

	rateLimitConfig     RateLimitConfig
	roomCreationLimiter *TokenBucket
	messageLimiter      *TokenBucket
	ghostOpsLimiter     *TokenBucket
}

// MessageContent is the body of an m.room.message event. The
// cumments_* keys carry author/txn metadata alongside the standard
// Matrix keys, the way the teacher stashes mattermost_post_id/
// mattermost_remote_id directly in event content (bridge_utils.go) --
// bot mode sends every comment as the same bot account, so author
// attribution has nowhere else to live on the wire.
type MessageContent struct {
	MsgType    string          `json:"msgtype"`
	Body       string          `json:"body"`
	RelatesTo  *RelatesTo      `json:"m.relates_to,omitempty"`
	NewContent *MessageContent `json:"m.new_content,omitempty"`

	CummentsAuthorID    string `json:"cumments_author_id,omitempty"`
	CummentsAuthorName  string `json:"cumments_author_name,omitempty"`
	CummentsIsGuest     bool   `json:"cumments_is_guest,omitempty"`
	CummentsFingerprint string `json:"cumments_fingerprint,omitempty"`
	CummentsAvatarURL   string `json:"cumments_avatar_url,omitempty"`
	CummentsTxnID       string `json:"cumments_txn_id,omitempty"`
}

// RelatesTo carries edit relations (spec.md §4.A: m.replace) and reply
// references (m.in_reply_to).
type RelatesTo struct {
	RelType string      `json:"rel_type,omitempty"`
	EventID string      `json:"event_id,omitempty"`
	InReply *EventIDRef `json:"m.in_reply_to,omitempty"`
}

type EventIDRef struct {
	EventID string `json:"event_id"`
}

// SendEventResponse is the response from a send/redact call.
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// NewClient builds a Client against serverURL using asToken for all
// Application Service calls.
func NewClient(serverURL, asToken, serverDomain string, logger Logger, rateLimitConfig RateLimitConfig) *Client {
	c := &Client{
		serverURL:       strings.TrimSuffix(serverURL, "/"),
		asToken:         asToken,
		serverDomain:    serverDomain,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		logger:          logger,
		rateLimitConfig: rateLimitConfig,
	}
	if rateLimitConfig.Enabled {
		c.roomCreationLimiter = NewTokenBucket(rateLimitConfig.RoomCreation)
		c.messageLimiter = NewTokenBucket(rateLimitConfig.Messages)
		c.ghostOpsLimiter = NewTokenBucket(rateLimitConfig.GhostOps)
	}
	return c
}

func (c *Client) waitForRateLimit(limiter *TokenBucket, ctx context.Context, operation string) error {
	if !c.rateLimitConfig.Enabled || limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, operation+" rate limited")
	}
	return nil
}

// CreateRoom creates a private, invite-only room with world-readable
// history for one (site_id, post_slug) pair with the given alias, per
// spec.md §4.C.
func (c *Client) CreateRoom(ctx context.Context, alias, name, topic string) (string, error) {
	if c.serverURL == "" || c.asToken == "" {
		return "", errors.New("matrix client not configured")
	}
	if err := c.waitForRateLimit(c.roomCreationLimiter, ctx, "room creation"); err != nil {
		return "", err
	}

	localpart := strings.TrimPrefix(strings.SplitN(alias, ":", 2)[0], "#")

	roomData := map[string]any{
		"name":         name,
		"topic":        topic,
		"preset":       "public_chat",
		"visibility":   "private",
		"is_direct":    false,
		"room_version": "10",
		"room_alias_name": localpart,
		"initial_state": []map[string]any{
			{
				"type":      "m.room.guest_access",
				"state_key": "",
				"content":   map[string]any{"guest_access": "forbidden"},
			},
			{
				"type":      "m.room.history_visibility",
				"state_key": "",
				"content":   map[string]any{"history_visibility": "world_readable"},
			},
			{
				"type":      "m.room.join_rules",
				"state_key": "",
				"content":   map[string]any{"join_rule": "invite"},
			},
			{
				"type":      "org.cumments.room",
				"state_key": "",
				"content":   map[string]any{"created_at": time.Now().Unix()},
			},
		},
		"creation_content": map[string]any{"m.federate": true},
	}

	jsonData, err := json.Marshal(roomData)
	if err != nil {
		return "", errors.Wrap(err, "marshaling room creation data")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/_matrix/client/v3/createRoom", bytes.NewReader(jsonData))
	if err != nil {
		return "", errors.Wrap(err, "building room creation request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.asToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "sending room creation request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "reading room creation response")
	}

	if resp.StatusCode != http.StatusOK {
		matrixErr := parseMatrixError(resp.StatusCode, body)
		if IsRateLimitError(matrixErr) {
			c.logger.LogWarn("room creation rate limited by homeserver", "alias", alias)
		}
		return "", matrixErr
	}

	var response struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", errors.Wrap(err, "unmarshaling room creation response")
	}

	if err := c.JoinRoom(ctx, response.RoomID); err != nil {
		c.logger.LogWarn("bot failed to join room it just created", "room_id", response.RoomID, "error", err)
	}

	return response.RoomID, nil
}

// JoinRoom joins the application service's own bot user to a room or
// alias.
func (c *Client) JoinRoom(ctx context.Context, roomIdentifier string) error {
	if c.serverURL == "" || c.asToken == "" {
		return errors.New("matrix client not configured")
	}
	requestURL := c.serverURL + "/_matrix/client/v3/join/" + url.PathEscape(roomIdentifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return errors.Wrap(err, "building join request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.asToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending join request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading join response")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to join room: %d %s", resp.StatusCode, string(body))
	}
	return nil
}

// ResolveRoomAlias resolves a #alias:server to its current room ID. A
// bare room ID is returned unchanged.
func (c *Client) ResolveRoomAlias(ctx context.Context, roomAlias string) (string, error) {
	if c.serverURL == "" || c.asToken == "" {
		return "", errors.New("matrix client not configured")
	}
	if !strings.HasPrefix(roomAlias, "#") {
		return roomAlias, nil
	}

	requestURL := c.serverURL + "/_matrix/client/v3/directory/room/" + url.PathEscape(roomAlias)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "building alias resolution request")
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "sending alias resolution request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "reading alias resolution response")
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", parseMatrixError(resp.StatusCode, body)
	}

	var response struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", errors.Wrap(err, "unmarshaling alias resolution response")
	}
	return response.RoomID, nil
}

// CreateGhostUser registers (or no-ops if already registered) a ghost
// user with the given localpart under the application service
// namespace, per spec.md §4.C.
func (c *Client) CreateGhostUser(ctx context.Context, localpart string) (string, error) {
	if c.asToken == "" {
		return "", errors.New("application service token not configured")
	}
	if err := c.waitForRateLimit(c.ghostOpsLimiter, ctx, "ghost registration"); err != nil {
		return "", err
	}

	regData := map[string]any{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	jsonData, err := json.Marshal(regData)
	if err != nil {
		return "", errors.Wrap(err, "marshaling registration data")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/_matrix/client/v3/register", bytes.NewReader(jsonData))
	if err != nil {
		return "", errors.Wrap(err, "building registration request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.asToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "sending registration request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "reading registration response")
	}

	ghostUserID := "@" + localpart + ":" + c.serverDomain

	if resp.StatusCode == http.StatusOK {
		return ghostUserID, nil
	}
	if resp.StatusCode == http.StatusBadRequest {
		matrixErr := parseMatrixError(resp.StatusCode, body)
		if matrixErr.IsUserInUse() {
			return ghostUserID, nil
		}
		return "", matrixErr
	}
	return "", parseMatrixError(resp.StatusCode, body)
}

// SetDisplayName impersonates userID to set its profile display name.
func (c *Client) SetDisplayName(ctx context.Context, userID, displayName string) error {
	if c.asToken == "" {
		return errors.New("application service token not configured")
	}
	content := map[string]any{"displayname": displayName}
	jsonData, err := json.Marshal(content)
	if err != nil {
		return errors.Wrap(err, "marshaling display name content")
	}

	requestURL := c.serverURL + "/_matrix/client/v3/profile/" + url.PathEscape(userID) + "/displayname?user_id=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, requestURL, bytes.NewReader(jsonData))
	if err != nil {
		return errors.Wrap(err, "building display name request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.asToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending display name request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to set display name: %d %s", resp.StatusCode, string(body))
	}
	return nil
}

// InviteUser invites userID to roomID as the application service bot.
func (c *Client) InviteUser(ctx context.Context, roomID, userID string) error {
	content := map[string]any{"user_id": userID}
	jsonData, err := json.Marshal(content)
	if err != nil {
		return errors.Wrap(err, "marshaling invite content")
	}

	endpoint, err := BuildSecureURL("/_matrix/client/v3/rooms/", roomID, "invite")
	if err != nil {
		return errors.Wrap(err, "invalid room ID")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return errors.Wrap(err, "building invite request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.asToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending invite request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading invite response")
	}
	if resp.StatusCode != http.StatusOK {
		matrixErr := parseMatrixError(resp.StatusCode, body)
		if strings.Contains(strings.ToLower(matrixErr.ErrMsg), "already in the room") {
			return nil
		}
		return matrixErr
	}
	return nil
}

// SendEventAsGhost sends a timeline event impersonating ghostUserID.
func (c *Client) SendEventAsGhost(ctx context.Context, roomID, eventType string, content any, ghostUserID string) (*SendEventResponse, error) {
	if c.asToken == "" {
		return nil, errors.New("application service token not configured")
	}
	if err := c.waitForRateLimit(c.messageLimiter, ctx, "sending event"); err != nil {
		return nil, err
	}

	txnID := uuid.New().String()
	endpoint, err := BuildSecureURL("/_matrix/client/v3/rooms/", roomID, "send", eventType, txnID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid room ID or event type")
	}
	reqURL := c.serverURL + endpoint + "?user_id=" + url.QueryEscape(ghostUserID)

	jsonData, err := json.Marshal(content)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling event content")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, reqURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, errors.Wrap(err, "building send request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.asToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending event request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading send response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseMatrixError(resp.StatusCode, body)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrap(err, "unmarshaling send response")
	}
	return &response, nil
}

// RedactEventAsGhost redacts eventID impersonating ghostUserID.
func (c *Client) RedactEventAsGhost(ctx context.Context, roomID, eventID, ghostUserID string) (*SendEventResponse, error) {
	if c.asToken == "" {
		return nil, errors.New("application service token not configured")
	}
	if err := c.waitForRateLimit(c.messageLimiter, ctx, "redacting event"); err != nil {
		return nil, err
	}

	txnID := uuid.New().String()
	endpoint, err := BuildSecureURL("/_matrix/client/v3/rooms/", roomID, "redact", eventID, txnID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid room or event ID")
	}
	reqURL := c.serverURL + endpoint + "?user_id=" + url.QueryEscape(ghostUserID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, reqURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, errors.Wrap(err, "building redaction request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.asToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending redaction request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading redaction response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseMatrixError(resp.StatusCode, body)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrap(err, "unmarshaling redaction response")
	}
	return &response, nil
}
