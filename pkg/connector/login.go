// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/identity"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

type sessionContextKey struct{}

// provisioningAuthRequired checks the shared secret and resolves the
// session of the user_id query parameter.
func (api *API) provisioningAuthRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatches(bearerToken(r), api.bridge.Config.Bridge.Provisioning.SharedSecret) {
			writeError(w, http.StatusUnauthorized, "M_FORBIDDEN", "Invalid shared secret")
			return
		}
		userID := id.UserID(r.URL.Query().Get("user_id"))
		if userID == "" {
			writeError(w, http.StatusBadRequest, "M_MISSING_PARAM", "Missing user_id parameter")
			return
		}
		if !api.bridge.Config.IsAllowed(userID) {
			writeError(w, http.StatusForbidden, "M_FORBIDDEN", "User is not allowed to use the bridge")
			return
		}
		sess, err := api.bridge.GetSession(r.Context(), userID)
		if errors.Is(err, identity.ErrGhostIdentity) {
			writeError(w, http.StatusForbidden, "M_FORBIDDEN", "Bridge ghosts can't log in")
			return
		} else if err != nil {
			api.log.Err(err).Str("user_id", userID.String()).Msg("Failed to get session")
			writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "Failed to load account")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, sess)))
	})
}

func requestSession(r *http.Request) *Session {
	return r.Context().Value(sessionContextKey{}).(*Session)
}

func (api *API) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, requestSession(r).GetConnectionInfo())
}

type tokenLoginRequest struct {
	Token string `json:"token"`
}

type passwordLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (api *API) handleTokenLogin(w http.ResponseWriter, r *http.Request) {
	var req tokenLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "Request body must contain a token")
		return
	}
	api.finishLogin(w, r, remote.Credentials{AuthToken: req.Token})
}

func (api *API) handlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	var req passwordLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "Request body must contain a username and password")
		return
	}
	creds, _, err := api.bridge.PasswordLogin(r.Context(), api.bridge.Config.Mattermost.ServerURL, req.Username, req.Password)
	if err != nil {
		api.writeLoginError(w, r, err)
		return
	}
	api.finishLogin(w, r, creds)
}

func (api *API) finishLogin(w http.ResponseWriter, r *http.Request, creds remote.Credentials) {
	sess := requestSession(r)
	if err := sess.ReconnectWithCredentials(r.Context(), creds); err != nil {
		api.writeLoginError(w, r, err)
		return
	}
	sess.log.Info().Str("mm_user_id", sess.GetRemoteID()).Msg("Logged in through provisioning API")
	writeJSON(w, http.StatusOK, sess.GetConnectionInfo())
}

func (api *API) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	if remote.IsAuthError(err) {
		writeError(w, http.StatusUnauthorized, "M_FORBIDDEN", err.Error())
		return
	}
	api.log.Err(err).Str("user_id", r.URL.Query().Get("user_id")).Msg("Login failed")
	writeError(w, http.StatusBadGateway, "M_UNKNOWN", err.Error())
}

func (api *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := requestSession(r).Logout(r.Context()); err != nil {
		api.log.Err(err).Msg("Failed to save account after logout")
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "Failed to log out")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
