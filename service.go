package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service owns the settings record, the extraction history and the prober for one
// extension profile. It is the only writer of settings.
type Service struct {
	store          SettingsStore
	history        HistoryStore
	prober         Prober
	profile        Profile
	historyLimit   int
	exportTemplate string
	logger         *slog.Logger
	now            func() time.Time
}

// NewService wires a relay service. history may be nil when no local area is configured.
func NewService(store SettingsStore, history HistoryStore, prober Prober, profile Profile, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		history:        history,
		prober:         prober,
		profile:        profile,
		historyLimit:   cfg.HistoryLimit,
		exportTemplate: cfg.ExportFilenameTemplate,
		logger:         logger,
		now:            time.Now,
	}
}

// Profile returns the extension profile the service was built for.
func (s *Service) Profile() Profile { return s.profile }

// For binds the service to one owner, giving the typed relay surface.
func (s *Service) For(ownerID string) Relay {
	return ownerRelay{svc: s, ownerID: ownerID}
}

// LoadRecord reads keys (all profile keys when empty), never caching, with defaults filled in.
func (s *Service) LoadRecord(ctx context.Context, ownerID string, keys []string) (Record, error) {
	if err := s.profile.CheckKeys(keys); err != nil {
		return nil, err
	}
	stored, err := s.store.Load(ctx, ownerID, keys)
	if err != nil {
		return nil, err
	}
	return s.profile.Resolve(stored, keys), nil
}

// SaveRecord validates and commits record in a single store write.
func (s *Service) SaveRecord(ctx context.Context, ownerID string, record Record) error {
	if len(record) == 0 {
		return &ValidationError{Field: "settings", Reason: "empty record"}
	}
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	if err := s.profile.CheckKeys(keys); err != nil {
		return err
	}
	if err := s.validateRecord(record); err != nil {
		return err
	}
	return s.store.Save(ctx, ownerID, record)
}

// ClearRecord removes keys (all profile keys when empty). Credential fields survive
// unless includeCredentials is set.
func (s *Service) ClearRecord(ctx context.Context, ownerID string, keys []string, includeCredentials bool) error {
	if len(keys) == 0 {
		keys = s.profile.Keys()
	}
	if err := s.profile.CheckKeys(keys); err != nil {
		return err
	}
	return s.store.Clear(ctx, ownerID, ClearableKeys(keys, includeCredentials))
}

// validateRecord checks credential-shaped fields. Empty values are allowed: they mean "not set".
func (s *Service) validateRecord(record Record) error {
	if v := record[KeyCredential]; v != "" && !ValidateCredential(s.profile.Service, v) {
		return &ValidationError{Field: KeyCredential, Reason: "does not match the " + s.profile.Service + " token format"}
	}
	if v := record[KeyResourceID]; v != "" && !ValidateResourceID(v) {
		return &ValidationError{Field: KeyResourceID, Reason: "expected 32 hex digits, optionally hyphenated 8-4-4-4-12"}
	}
	for _, t := range s.profile.Toggles {
		if v, ok := record[t.Name]; ok && v != "true" && v != "false" {
			return &ValidationError{Field: t.Name, Reason: "expected true or false"}
		}
	}
	return nil
}

func (s *Service) testConnection(ctx context.Context, ownerID string, req ProbeRequest) (ResourceDescriptor, error) {
	if !req.Force {
		if !ValidateCredential(s.profile.Service, req.Credential) {
			return ResourceDescriptor{}, &ValidationError{Field: KeyCredential, Reason: "does not match the " + s.profile.Service + " token format"}
		}
		if !ValidateResourceID(req.ResourceID) {
			return ResourceDescriptor{}, &ValidationError{Field: KeyResourceID, Reason: "not a database id"}
		}
	}
	resourceID := req.ResourceID
	if id, ok := NormalizeResourceID(resourceID); ok {
		resourceID = id
	}

	desc, err := s.prober.Probe(ctx, req.Credential, resourceID)
	if err != nil {
		s.logger.Warn("probe failed", "owner", ownerID, "resource", resourceID, "error", err)
		return ResourceDescriptor{}, err
	}
	if s.profile.URLPolicy == URLPolicyBlock && !desc.MeetsRequirements {
		return ResourceDescriptor{}, &ProbeError{
			Kind:    ProbeSchema,
			Message: "missing required field: " + strings.Join(desc.Warnings, "; "),
		}
	}
	s.logger.Info("probe succeeded", "owner", ownerID, "resource", desc.ID, "title", desc.Title)
	return desc, nil
}

func (s *Service) listResources(ctx context.Context, ownerID, credential string) ([]ResourceSummary, error) {
	if credential == "" {
		stored, err := s.LoadRecord(ctx, ownerID, []string{KeyCredential})
		if err != nil {
			return nil, err
		}
		credential = stored[KeyCredential]
	}
	if !ValidateCredential(s.profile.Service, credential) {
		return nil, &ValidationError{Field: KeyCredential, Reason: "no valid credential saved"}
	}
	return s.prober.ListResources(ctx, credential)
}

func (s *Service) recordExtraction(ctx context.Context, ownerID string, fields map[string]string) (HistoryEntry, error) {
	if s.history == nil {
		return HistoryEntry{}, storageErr("append history", fmt.Errorf("no local storage area configured"))
	}
	if len(fields) == 0 {
		return HistoryEntry{}, &ValidationError{Field: "fields", Reason: "nothing extracted"}
	}
	entry := HistoryEntry{ID: uuid.NewString(), Timestamp: s.now().UTC(), Fields: fields}
	if err := s.history.AppendHistory(ctx, ownerID, entry, s.historyLimit); err != nil {
		return HistoryEntry{}, err
	}
	return entry, nil
}

func (s *Service) exportData(ctx context.Context, ownerID string) (Export, error) {
	if s.history == nil {
		return Export{}, storageErr("list history", fmt.Errorf("no local storage area configured"))
	}
	entries, err := s.history.ListHistory(ctx, ownerID)
	if err != nil {
		return Export{}, err
	}
	if len(entries) == 0 {
		return Export{}, &ValidationError{Field: "history", Reason: "nothing extracted yet"}
	}

	headers := true
	if s.hasToggle("csvHeaders") {
		settings, err := s.LoadRecord(ctx, ownerID, []string{"csvHeaders"})
		if err != nil {
			return Export{}, err
		}
		headers = settings["csvHeaders"] == "true"
	}
	return BuildCSVExport(entries[len(entries)-1], s.exportTemplate, headers)
}

func (s *Service) hasToggle(name string) bool {
	for _, t := range s.profile.Toggles {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ownerRelay is the in-process Relay for one owner.
type ownerRelay struct {
	svc     *Service
	ownerID string
}

func (r ownerRelay) TestConnection(ctx context.Context, req ProbeRequest) (ResourceDescriptor, error) {
	return r.svc.testConnection(ctx, r.ownerID, req)
}

func (r ownerRelay) ListResources(ctx context.Context, credential string) ([]ResourceSummary, error) {
	return r.svc.listResources(ctx, r.ownerID, credential)
}

func (r ownerRelay) GetSettings(ctx context.Context) (Settings, error) {
	record, err := r.svc.LoadRecord(ctx, r.ownerID, nil)
	if err != nil {
		return Settings{}, err
	}
	return r.svc.profile.Decode(record), nil
}

func (r ownerRelay) SaveSettings(ctx context.Context, settings Settings) error {
	record, err := r.svc.profile.Encode(settings)
	if err != nil {
		return err
	}
	return r.svc.SaveRecord(ctx, r.ownerID, record)
}

func (r ownerRelay) ResetSettings(ctx context.Context, includeCredentials bool) error {
	return r.svc.ClearRecord(ctx, r.ownerID, nil, includeCredentials)
}

func (r ownerRelay) GetHistory(ctx context.Context) ([]HistoryEntry, error) {
	if r.svc.history == nil {
		return []HistoryEntry{}, nil
	}
	return r.svc.history.ListHistory(ctx, r.ownerID)
}

func (r ownerRelay) ClearHistory(ctx context.Context) error {
	if r.svc.history == nil {
		return nil
	}
	return r.svc.history.ClearHistory(ctx, r.ownerID)
}

func (r ownerRelay) RecordExtraction(ctx context.Context, fields map[string]string) (HistoryEntry, error) {
	return r.svc.recordExtraction(ctx, r.ownerID, fields)
}

func (r ownerRelay) ExportData(ctx context.Context) (Export, error) {
	return r.svc.exportData(ctx, r.ownerID)
}
