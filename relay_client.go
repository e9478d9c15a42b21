package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const relayPath = "/api/v1/relay"

// HTTPRelay is a Relay that posts envelopes to a running relay server.
type HTTPRelay struct {
	client  *http.Client
	baseURL string
	token   string
	timeout time.Duration
}

// NewHTTPRelay builds a client for cfg.RelayURL. A nil client gets a pooled client without retries.
func NewHTTPRelay(cfg Config, token string, client *http.Client) *HTTPRelay {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &HTTPRelay{
		client:  client,
		baseURL: cfg.RelayURL,
		token:   token,
		timeout: cfg.RelayTimeout,
	}
}

// call sends one envelope. A refused token is a RelayAuthError; any other reply that is
// not a decodable envelope means the relay is unavailable.
func (c *HTTPRelay) call(ctx context.Context, req RelayRequest, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", req.Action, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+relayPath, bytes.NewReader(body))
	if err != nil {
		return &RelayError{Action: req.Action, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &RelayError{Action: req.Action, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &RelayError{Action: req.Action, Err: err}
	}

	var env RelayResponse
	if !isEnvelope(resp.StatusCode, data, &env) {
		// Auth failures come back in the REST error shape, not as an envelope.
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return &RelayAuthError{Action: req.Action, Status: resp.StatusCode, Message: apiErr.Error}
			}
			return &RelayError{Action: req.Action, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error)}
		}
		return &RelayError{Action: req.Action, Err: fmt.Errorf("unexpected reply (HTTP %d)", resp.StatusCode)}
	}

	if !env.Success {
		return errorFromCode(env.Code, env.Error, env.Status)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", req.Action, err)
		}
	}
	return nil
}

// isEnvelope decodes data into env when the relay answered with an envelope.
func isEnvelope(status int, data []byte, env *RelayResponse) bool {
	if status != http.StatusOK && status != http.StatusBadRequest {
		return false
	}
	if err := json.Unmarshal(data, env); err != nil {
		return false
	}
	return env.Success || env.Error != ""
}

func (c *HTTPRelay) TestConnection(ctx context.Context, req ProbeRequest) (ResourceDescriptor, error) {
	var d ResourceDescriptor
	err := c.call(ctx, RelayRequest{
		Action:     ActionTestConnection,
		Credential: req.Credential,
		ResourceID: req.ResourceID,
		Force:      req.Force,
	}, &d)
	return d, err
}

func (c *HTTPRelay) ListResources(ctx context.Context, credential string) ([]ResourceSummary, error) {
	var out []ResourceSummary
	err := c.call(ctx, RelayRequest{Action: ActionListResources, Credential: credential}, &out)
	return out, err
}

func (c *HTTPRelay) GetSettings(ctx context.Context) (Settings, error) {
	var s Settings
	err := c.call(ctx, RelayRequest{Action: ActionGetSettings}, &s)
	return s, err
}

func (c *HTTPRelay) SaveSettings(ctx context.Context, settings Settings) error {
	return c.call(ctx, RelayRequest{Action: ActionSaveSettings, Settings: &settings}, nil)
}

func (c *HTTPRelay) ResetSettings(ctx context.Context, includeCredentials bool) error {
	return c.call(ctx, RelayRequest{Action: ActionResetSettings, IncludeCredentials: includeCredentials}, nil)
}

func (c *HTTPRelay) GetHistory(ctx context.Context) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := c.call(ctx, RelayRequest{Action: ActionGetHistory}, &out)
	return out, err
}

func (c *HTTPRelay) ClearHistory(ctx context.Context) error {
	return c.call(ctx, RelayRequest{Action: ActionClearHistory}, nil)
}

func (c *HTTPRelay) RecordExtraction(ctx context.Context, fields map[string]string) (HistoryEntry, error) {
	var e HistoryEntry
	err := c.call(ctx, RelayRequest{Action: ActionRecordExtraction, Fields: fields}, &e)
	return e, err
}

func (c *HTTPRelay) ExportData(ctx context.Context) (Export, error) {
	var e Export
	err := c.call(ctx, RelayRequest{Action: ActionExportData}, &e)
	return e, err
}
