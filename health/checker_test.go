// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package health

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/challenge-sidecar/internal/lifecycle"
)

type fakeReporter struct{ state lifecycle.State }

func (f fakeReporter) State() lifecycle.State { return f.state }

func TestStatusStartingBeforeServing(t *testing.T) {
	c := NewChecker(fakeReporter{state: lifecycle.StateAwaitingAdmin})
	assert.Equal(t, StatusStarting, c.Status())
}

func TestStatusReadyWhenReadyOrServing(t *testing.T) {
	assert.Equal(t, StatusReady, NewChecker(fakeReporter{state: lifecycle.StateReady}).Status())
	assert.Equal(t, StatusReady, NewChecker(fakeReporter{state: lifecycle.StateServing}).Status())
}

func TestStatusStartingWhileDrainingOrTerminated(t *testing.T) {
	assert.Equal(t, StatusStarting, NewChecker(fakeReporter{state: lifecycle.StateDraining}).Status())
	assert.Equal(t, StatusStarting, NewChecker(fakeReporter{state: lifecycle.StateTerminated}).Status())
}

func TestHandlerServesJSONBody(t *testing.T) {
	c := NewChecker(fakeReporter{state: lifecycle.StateServing})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/sdk/health", nil)
	c.Handler().ServeHTTP(rr, req)

	require.Equal(t, 200, rr.Code)
	var body responseBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, StatusReady, body.Status)
}
