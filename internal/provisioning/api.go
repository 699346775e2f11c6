package provisioning

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/hookline/hookline/internal/api"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/internal/router"
	"github.com/hookline/hookline/internal/storage"
)

// API is the provisioning HTTP surface. Session creation authenticates with
// the shared secret; everything else authenticates with a session token.
type API struct {
	sessions *Sessions
	router   *router.Router
	store    storage.Provider
	secret   string
	logger   *observability.Logger
}

func NewAPI(sessions *Sessions, r *router.Router, store storage.Provider, secret string, logger *observability.Logger) *API {
	return &API{
		sessions: sessions,
		router:   r,
		store:    store,
		secret:   secret,
		logger:   logger.WithFields("component", "provisioning"),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", a.handleCreateSession)
	mux.HandleFunc("DELETE /v1/session", a.handleLogout)
	mux.HandleFunc("DELETE /v1/session/all", a.handleLogoutAll)
	mux.HandleFunc("GET /v1/{roomID}/connections", a.handleListConnections)
	mux.HandleFunc("PUT /v1/{roomID}/connections/{type}", a.handleProvision)
	mux.HandleFunc("DELETE /v1/{roomID}/connections/{type}/{stateKey}", a.handleRemove)
	return mux
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *api.ApiError
	if !errors.As(err, &apiErr) {
		a.logger.Error(r.Context(), "internal provisioning error", "error", err)
		apiErr = api.NewError(api.ErrCodeUnknown, "internal error", nil)
	}
	a.writeJSON(w, apiErr.StatusCode(), map[string]string{
		"errcode": string(apiErr.Code),
		"error":   apiErr.Message,
	})
}

// authenticate resolves the request's session token to a user id.
func (a *API) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		a.writeError(w, r, api.Forbidden("missing session token"))
		return "", false
	}
	userID, err := a.sessions.Verify(r.Context(), token)
	if err != nil {
		a.writeError(w, r, err)
		return "", false
	}
	return userID, true
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(a.secret)) != 1 {
		a.writeError(w, r, api.Forbidden("bad shared secret"))
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		a.writeError(w, r, api.BadValue("user_id is required", err))
		return
	}

	token, err := a.sessions.Create(r.Context(), req.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.store.AddRegisteredUser(r.Context(), req.UserID); err != nil {
		a.logger.Warn(r.Context(), "failed to record registered user", "user_id", req.UserID, "error", err)
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authenticate(w, r); !ok {
		return
	}
	if err := a.sessions.Logout(r.Context(), bearerToken(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	if err := a.sessions.LogoutAll(r.Context(), userID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleListConnections(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authenticate(w, r); !ok {
		return
	}
	roomID := id.RoomID(r.PathValue("roomID"))
	var out []map[string]any
	for _, conn := range a.router.ConnectionsForRoom(roomID) {
		out = append(out, map[string]any{
			"type":      conn.ConnectionID(),
			"service":   conn.Service(),
			"state_key": conn.StateKey(),
			"config":    conn.ProvisionerDetails(),
		})
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

func (a *API) handleProvision(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	roomID := id.RoomID(r.PathValue("roomID"))
	eventType := r.PathValue("type")

	var content map[string]any
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		a.writeError(w, r, api.BadValue("request body must be a JSON object", err))
		return
	}

	ctx := observability.AddRequestID(r.Context(), r.Header.Get("X-Request-Id"))
	conn, err := a.router.Provision(ctx, roomID, eventType, content)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.logger.Info(ctx, "provisioned connection",
		"user_id", userID, "room_id", roomID, "connection", conn.ConnectionID())
	a.writeJSON(w, http.StatusCreated, map[string]any{
		"type":      conn.ConnectionID(),
		"service":   conn.Service(),
		"state_key": conn.StateKey(),
		"config":    conn.ProvisionerDetails(),
	})
}

func (a *API) handleRemove(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	roomID := id.RoomID(r.PathValue("roomID"))
	eventType := r.PathValue("type")
	stateKey := r.PathValue("stateKey")

	if err := a.router.Remove(r.Context(), roomID, eventType, stateKey); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.logger.Info(r.Context(), "removed connection",
		"user_id", userID, "room_id", roomID, "type", eventType, "state_key", stateKey)
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
