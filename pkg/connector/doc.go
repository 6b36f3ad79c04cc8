// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector runs the bridged accounts of a Mattermost DM bridge.
//
// # Core Types
//
// [Bridge] owns one [Session] per Matrix user, stored in an identity cache
// keyed by Matrix user ID and aliased by Mattermost user ID. It loads the
// accounts with stored credentials at startup ([Bridge.InitAllAccounts]),
// stops them at shutdown and answers health queries.
//
// [Session] is the connection state machine of one account. It connects
// with stored or new credentials, runs the initial conversation sync on a
// fresh login and routes the events of its Mattermost client to the
// [RoomTranslator]. Reconnects are single-flight: concurrent callers share
// the outcome of the connect sequence in progress.
//
// # Ordering
//
// Events of one conversation are handled in delivery order on a per
// conversation queue. Different conversations are handled concurrently.
// Bridge notices have their own queue, so they arrive in the order they
// were triggered.
//
// # Bridge States
//
// Connection changes are pushed as mautrix bridge states to a [StateSink].
// Intentional stops are not reported. Stream errors are reported as
// TRANSIENT_DISCONNECT until they reach the escalation threshold, then as
// UNKNOWN_ERROR.
//
// # HTTP API
//
// [API] mounts the provisioning API for token and password logins and
// /health on the router of a mautrix appservice. The appservice receives
// and deduplicates transactions, and an event processor hands message,
// reaction, redaction and receipt events to [Bridge.HandleMatrixEvent].
// A fatal stream error that is not an auth failure keeps the login and is
// reported as UNKNOWN_ERROR.
package connector
