package main

import "time"

// Record is the persisted form of a settings record: setting name to encoded value.
type Record map[string]string

// Well-known setting names shared by every profile.
const (
	KeyCredential       = "credential"
	KeyResourceID       = "resourceId"
	KeySelectedResource = "selectedResource"
)

// Settings is the typed view of a Record.
type Settings struct {
	Credential       string          `json:"credential"`
	ResourceID       string          `json:"resourceId"`
	SelectedResource string          `json:"selectedResource,omitempty"`
	Toggles          map[string]bool `json:"toggles"`
}

// PropertyInfo is one column of a remote database schema.
type PropertyInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResourceDescriptor is the normalized result of a successful probe.
type ResourceDescriptor struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	PropertySummary   string         `json:"propertySummary"`
	Properties        []PropertyInfo `json:"properties"`
	MeetsRequirements bool           `json:"meetsRequirements"`
	Warnings          []string       `json:"warnings,omitempty"`
}

// ResourceSummary is one entry of a fetched resource list.
type ResourceSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// HistoryEntry is one successful extraction.
type HistoryEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields"`
}

// Export is a generated download.
type Export struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// SettingsResponse is returned by the REST settings routes.
type SettingsResponse struct {
	OwnerID  string `json:"ownerId"`
	Profile  string `json:"profile"`
	Settings Record `json:"settings"`
}
