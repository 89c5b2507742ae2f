// Coworker is a sandboxed workspace agent service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package api

import (
	"crypto/subtle"
	"net/http"
)

// Session auth headers. Every endpoint except the handshake requires both.
const (
	HeaderSession = "X-Coworker-Session"
	HeaderToken   = "X-Coworker-Token"
)

// requireAuth wraps a handler with the session bearer-token check:
// missing headers are 401, an unknown session or mismatched token is 403.
// The comparison is constant-time.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(HeaderSession)
		token := r.Header.Get(HeaderToken)
		if sessionID == "" || token == "" {
			writeJSON(w, http.StatusUnauthorized, jsonError{
				Error:   "unauthorized",
				Message: "Missing session or token",
			})
			return
		}

		stored, err := a.Store.GetSessionToken(r.Context(), sessionID)
		if err != nil || subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
			writeJSON(w, http.StatusForbidden, jsonError{
				Error:   "forbidden",
				Message: "Invalid token",
			})
			return
		}

		next(w, r)
	}
}
