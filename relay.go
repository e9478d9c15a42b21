package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Relay is the request/response surface the popup and options surfaces talk to.
// Every call is one request; nothing is retried.
type Relay interface {
	TestConnection(ctx context.Context, req ProbeRequest) (ResourceDescriptor, error)
	ListResources(ctx context.Context, credential string) ([]ResourceSummary, error)
	GetSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, settings Settings) error
	ResetSettings(ctx context.Context, includeCredentials bool) error
	GetHistory(ctx context.Context) ([]HistoryEntry, error)
	ClearHistory(ctx context.Context) error
	RecordExtraction(ctx context.Context, fields map[string]string) (HistoryEntry, error)
	ExportData(ctx context.Context) (Export, error)
}

// ProbeRequest asks for a connection test. Force skips local format validation.
type ProbeRequest struct {
	Credential string `json:"credential"`
	ResourceID string `json:"resourceId"`
	Force      bool   `json:"force,omitempty"`
}

// Relay action names.
const (
	ActionTestConnection   = "testConnection"
	ActionListResources    = "listResources"
	ActionGetSettings      = "getSettings"
	ActionSaveSettings     = "saveSettings"
	ActionResetSettings    = "resetSettings"
	ActionGetHistory       = "getHistory"
	ActionClearHistory     = "clearHistory"
	ActionRecordExtraction = "recordExtraction"
	ActionExportData       = "exportData"
)

// RelayRequest is the wire envelope: the action name plus a flat payload.
type RelayRequest struct {
	Action             string            `json:"action"`
	Credential         string            `json:"credential,omitempty"`
	ResourceID         string            `json:"resourceId,omitempty"`
	Force              bool              `json:"force,omitempty"`
	Settings           *Settings         `json:"settings,omitempty"`
	IncludeCredentials bool              `json:"includeCredentials,omitempty"`
	Fields             map[string]string `json:"fields,omitempty"`
}

// RelayResponse is the reply envelope. Code and Status let clients rebuild typed errors.
type RelayResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Status  int             `json:"status,omitempty"`
}

var errUnknownAction = errors.New("unknown action")

// Dispatch runs one envelope against r and returns the value to place in data.
func Dispatch(ctx context.Context, r Relay, req RelayRequest) (any, error) {
	switch req.Action {
	case ActionTestConnection:
		return r.TestConnection(ctx, ProbeRequest{Credential: req.Credential, ResourceID: req.ResourceID, Force: req.Force})
	case ActionListResources:
		return r.ListResources(ctx, req.Credential)
	case ActionGetSettings:
		return r.GetSettings(ctx)
	case ActionSaveSettings:
		if req.Settings == nil {
			return nil, &ValidationError{Field: "settings", Reason: "missing"}
		}
		return nil, r.SaveSettings(ctx, *req.Settings)
	case ActionResetSettings:
		return nil, r.ResetSettings(ctx, req.IncludeCredentials)
	case ActionGetHistory:
		return r.GetHistory(ctx)
	case ActionClearHistory:
		return nil, r.ClearHistory(ctx)
	case ActionRecordExtraction:
		return r.RecordExtraction(ctx, req.Fields)
	case ActionExportData:
		return r.ExportData(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownAction, req.Action)
	}
}

// NewRelayResponse builds the envelope for a Dispatch result.
func NewRelayResponse(data any, err error) (RelayResponse, error) {
	if err != nil {
		code, status := errorCode(err)
		if errors.Is(err, errUnknownAction) {
			code = codeBadRequest
		}
		return RelayResponse{Success: false, Error: err.Error(), Code: code, Status: status}, nil
	}
	resp := RelayResponse{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return RelayResponse{}, fmt.Errorf("encode relay data: %w", err)
		}
		resp.Data = raw
	}
	return resp, nil
}
