package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/tidwall/gjson"
)

const maxProbeBody = 1 << 20

// Prober checks credentials against the external service. Implementations must not
// retry or cache: every call is exactly one request.
type Prober interface {
	Probe(ctx context.Context, credential, resourceID string) (ResourceDescriptor, error)
	ListResources(ctx context.Context, credential string) ([]ResourceSummary, error)
}

// NotionProber talks to the Notion REST API.
type NotionProber struct {
	client  *http.Client
	baseURL string
	version string
	timeout time.Duration
}

// NewNotionProber builds a prober from config. A nil client gets a pooled client without retries.
func NewNotionProber(cfg Config, client *http.Client) *NotionProber {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &NotionProber{
		client:  client,
		baseURL: cfg.NotionAPIBase,
		version: cfg.NotionVersion,
		timeout: cfg.ProbeTimeout,
	}
}

// Probe reads the database metadata and checks its schema. It never writes to the database.
func (p *NotionProber) Probe(ctx context.Context, credential, resourceID string) (ResourceDescriptor, error) {
	body, err := p.do(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(resourceID), credential, nil)
	if err != nil {
		return ResourceDescriptor{}, err
	}
	return describeDatabase(body)
}

// ListResources returns the databases shared with the integration (first page only).
func (p *NotionProber) ListResources(ctx context.Context, credential string) ([]ResourceSummary, error) {
	query := []byte(`{"filter":{"property":"object","value":"database"},"page_size":100}`)
	body, err := p.do(ctx, http.MethodPost, "/v1/search", credential, query)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, &ProbeError{Kind: ProbeSchema, Message: "malformed search response"}
	}

	out := []ResourceSummary{}
	gjson.GetBytes(body, "results").ForEach(func(_, r gjson.Result) bool {
		out = append(out, ResourceSummary{
			ID:    r.Get("id").String(),
			Title: plainText(r.Get("title")),
			URL:   r.Get("url").String(),
		})
		return true
	})
	return out, nil
}

func (p *NotionProber) do(ctx context.Context, method, path, credential string, payload []byte) ([]byte, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, &ProbeError{Kind: ProbeTransport, Message: fmt.Sprintf("building request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Notion-Version", p.version)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ProbeError{Kind: ProbeTransport, Message: fmt.Sprintf("request timed out after %s", p.timeout)}
		}
		return nil, &ProbeError{Kind: ProbeTransport, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return nil, &ProbeError{Kind: ProbeTransport, Message: fmt.Sprintf("reading response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(data, "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		kind := ProbeHTTP
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = ProbeUnauthorized
		}
		return nil, &ProbeError{Kind: kind, Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}

// describeDatabase turns a database object into a descriptor. A title-typed property is
// required; a url-typed property only produces a warning.
func describeDatabase(body []byte) (ResourceDescriptor, error) {
	if !gjson.ValidBytes(body) {
		return ResourceDescriptor{}, &ProbeError{Kind: ProbeSchema, Message: "malformed response: body is not JSON"}
	}

	props := gjson.GetBytes(body, "properties")
	if !props.IsObject() {
		return ResourceDescriptor{}, &ProbeError{Kind: ProbeSchema, Message: "missing required field: properties"}
	}

	var (
		infos    []PropertyInfo
		hasTitle bool
		hasURL   bool
	)
	props.ForEach(func(name, v gjson.Result) bool {
		typ := v.Get("type").String()
		switch typ {
		case "title":
			hasTitle = true
		case "url":
			hasURL = true
		}
		infos = append(infos, PropertyInfo{Name: name.String(), Type: typ})
		return true
	})
	if !hasTitle {
		return ResourceDescriptor{}, &ProbeError{Kind: ProbeSchema, Message: "missing required field: database has no title property"}
	}

	slices.SortFunc(infos, func(a, b PropertyInfo) int { return strings.Compare(a.Name, b.Name) })
	summary := make([]string, len(infos))
	for i, pi := range infos {
		summary[i] = fmt.Sprintf("%s (%s)", pi.Name, pi.Type)
	}

	d := ResourceDescriptor{
		ID:              gjson.GetBytes(body, "id").String(),
		Title:           plainText(gjson.GetBytes(body, "title")),
		PropertySummary: strings.Join(summary, ", "),
		Properties:      infos,
	}
	if d.Title == "" {
		d.Title = "Untitled"
	}
	if !hasURL {
		d.Warnings = append(d.Warnings, "no url property: source links will not be saved")
	}
	d.MeetsRequirements = len(d.Warnings) == 0
	return d, nil
}

// plainText joins a rich text array.
func plainText(rich gjson.Result) string {
	var b strings.Builder
	rich.ForEach(func(_, part gjson.Result) bool {
		b.WriteString(part.Get("plain_text").String())
		return true
	})
	return b.String()
}
