// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sage-x-project/challenge-sidecar/internal/signedhttp"
)

// HTTPResourceClient pins signedhttp.Client's generic Do to one base URL,
// giving handlers a values/results/cvm-flavored handle without each
// needing to know the target host.
type HTTPResourceClient struct {
	http    *signedhttp.Client
	baseURL string
}

// NewHTTPResourceClient builds a resource client rooted at baseURL.
func NewHTTPResourceClient(client *signedhttp.Client, baseURL string) *HTTPResourceClient {
	return &HTTPResourceClient{http: client, baseURL: baseURL}
}

// PostJSON marshals body, signs and sends it as a POST to baseURL+path,
// and unmarshals the response into out (if non-nil).
func (c *HTTPResourceClient) PostJSON(ctx context.Context, path string, body, out any) error {
	wire, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, respBody, err := c.http.Do(ctx, http.MethodPost, c.baseURL+path, path, wire)
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// GetJSON signs and sends a GET to baseURL+path, unmarshalling the
// response into out (if non-nil).
func (c *HTTPResourceClient) GetJSON(ctx context.Context, path string, out any) error {
	_, respBody, err := c.http.Do(ctx, http.MethodGet, c.baseURL+path, path, nil)
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
