// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// bridgedEventTypes are the Matrix events routed to sessions.
var bridgedEventTypes = []event.Type{
	event.EventMessage,
	event.EventReaction,
	event.EventRedaction,
	event.EphemeralEventReceipt,
}

// API serves the appservice endpoints for the homeserver, the provisioning
// API for logins and the health endpoint. Transactions are received and
// deduplicated by the appservice and dispatched to the bridge by an event
// processor.
type API struct {
	bridge *Bridge
	as     *appservice.AppService
	events *appservice.EventProcessor
	log    zerolog.Logger
}

var _ appservice.QueryHandler = (*API)(nil)

// NewAPI adds the bridge routes and event handlers to an appservice.
func NewAPI(b *Bridge, as *appservice.AppService) *API {
	api := &API{
		bridge: b,
		as:     as,
		log:    b.Log.With().Str("component", "api").Logger(),
	}
	as.QueryHandler = api
	as.Router.HandleFunc("/health", api.handleHealth).Methods(http.MethodGet)

	provRouter := as.Router.PathPrefix(b.Config.Bridge.Provisioning.Prefix).Subrouter()
	provRouter.Use(api.provisioningAuthRequired)
	provRouter.HandleFunc("/whoami", api.handleWhoami).Methods(http.MethodGet)
	provRouter.HandleFunc("/login/token", api.handleTokenLogin).Methods(http.MethodPost)
	provRouter.HandleFunc("/login/password", api.handlePasswordLogin).Methods(http.MethodPost)
	provRouter.HandleFunc("/logout", api.handleLogout).Methods(http.MethodPost)

	api.events = appservice.NewEventProcessor(as)
	// Sync keeps the per-room order of a transaction.
	api.events.ExecMode = appservice.Sync
	for _, evtType := range bridgedEventTypes {
		api.events.On(evtType, b.HandleMatrixEvent)
	}
	return api
}

// ServeHTTP implements http.Handler.
func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.as.Router.ServeHTTP(w, r)
}

// Start dispatches received Matrix events to the bridge until Stop.
func (api *API) Start(ctx context.Context) {
	api.events.Start(ctx)
	api.as.Ready = true
}

// Stop stops dispatching events. It must be called once after Start.
func (api *API) Stop() {
	api.as.Ready = false
	api.events.Stop()
}

// ListenAndServe serves the API on the configured appservice address until
// ctx is canceled.
func (api *API) ListenAndServe(ctx context.Context) error {
	api.Start(ctx)
	defer api.Stop()
	server := &http.Server{
		Addr:         api.as.Host.Address(),
		Handler:      api,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			api.log.Warn().Err(err).Msg("Failed to shut down API server")
		}
	}()
	api.log.Info().Str("addr", server.Addr).Msg("Starting bridge API")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, errcode, message string) {
	writeJSON(w, status, map[string]string{"errcode": errcode, "error": message})
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func tokenMatches(got, expected string) bool {
	return expected != "" && subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

func (api *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.bridge.Health())
}

// QueryUser tells the homeserver whether a user in the namespace exists.
func (api *API) QueryUser(userID id.UserID) bool {
	return api.bridge.Translator.IsBridgeUser(userID)
}

// QueryAlias always fails, portal rooms have no aliases.
func (api *API) QueryAlias(string) bool {
	return false
}
