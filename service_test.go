package main

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber records calls and answers with the configured funcs.
type fakeProber struct {
	ProbeFunc func(ctx context.Context, credential, resourceID string) (ResourceDescriptor, error)
	ListFunc  func(ctx context.Context, credential string) ([]ResourceSummary, error)

	mu     sync.Mutex
	probes []string
	lists  []string
}

func (f *fakeProber) Probe(ctx context.Context, credential, resourceID string) (ResourceDescriptor, error) {
	f.mu.Lock()
	f.probes = append(f.probes, resourceID)
	f.mu.Unlock()
	if f.ProbeFunc != nil {
		return f.ProbeFunc(ctx, credential, resourceID)
	}
	return ResourceDescriptor{ID: resourceID, Title: "Inbox", PropertySummary: "Link (url), Name (title)", MeetsRequirements: true}, nil
}

func (f *fakeProber) ListResources(ctx context.Context, credential string) ([]ResourceSummary, error) {
	f.mu.Lock()
	f.lists = append(f.lists, credential)
	f.mu.Unlock()
	if f.ListFunc != nil {
		return f.ListFunc(ctx, credential)
	}
	return []ResourceSummary{}, nil
}

// Probes returns the resource ids probed so far.
func (f *fakeProber) Probes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.probes)
}

func (f *fakeProber) Lists() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.lists)
}

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "extrelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestService(t *testing.T, profile string, prober Prober) (*Service, *SQLiteStore) {
	t.Helper()
	store := openTestSQLite(t)
	p, err := LookupProfile(profile)
	require.NoError(t, err)
	cfg := Config{HistoryLimit: 3, ExportFilenameTemplate: "extraction-{date}.csv"}
	return NewService(store, store, prober, p, cfg, testLogger()), store
}

func TestService_GetSettingsDefaults(t *testing.T) {
	svc, _ := newTestService(t, "chat", &fakeProber{})

	s, err := svc.For("owner1").GetSettings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.Credential)
	assert.Empty(t, s.ResourceID)
	assert.Equal(t, map[string]bool{
		"notifications":     true,
		"autoSave":          true,
		"captureImages":     true,
		"includeTimestamps": true,
	}, s.Toggles)
}

func TestService_SaveAndGetSettings(t *testing.T) {
	svc, _ := newTestService(t, "gmail", &fakeProber{})
	relay := svc.For("owner1")
	ctx := context.Background()

	in := profiles["gmail"].Decode(nil)
	in.Credential = validCredential
	in.ResourceID = validResourceID
	in.Toggles["captureImages"] = true
	require.NoError(t, relay.SaveSettings(ctx, in))

	out, err := relay.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestService_SaveRejectsBadCredentialWithoutWriting(t *testing.T) {
	svc, store := newTestService(t, "gmail", &fakeProber{})
	ctx := context.Background()

	err := svc.SaveRecord(ctx, "owner1", Record{KeyCredential: "sk-live-123", "dedup": "false"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KeyCredential, verr.Field)

	stored, err := store.Load(ctx, "owner1", nil)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestService_SaveRejectsBadToggleValue(t *testing.T) {
	svc, _ := newTestService(t, "gmail", &fakeProber{})

	err := svc.SaveRecord(context.Background(), "owner1", Record{"dedup": "maybe"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "dedup", verr.Field)
}

func TestService_EncodeRejectsForeignToggle(t *testing.T) {
	svc, _ := newTestService(t, "gmail", &fakeProber{})

	s := profiles["gmail"].Decode(nil)
	s.Toggles["csvHeaders"] = true
	err := svc.For("owner1").SaveSettings(context.Background(), s)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestService_ResetKeepsCredentialsUnlessAsked(t *testing.T) {
	svc, _ := newTestService(t, "gmail", &fakeProber{})
	relay := svc.For("owner1")
	ctx := context.Background()

	s := profiles["gmail"].Decode(nil)
	s.Credential, s.ResourceID = validCredential, validResourceID
	s.Toggles["dedup"] = false
	require.NoError(t, relay.SaveSettings(ctx, s))

	require.NoError(t, relay.ResetSettings(ctx, false))
	got, err := relay.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, validCredential, got.Credential)
	assert.Equal(t, validResourceID, got.ResourceID)
	assert.True(t, got.Toggles["dedup"], "toggle should be back to its default")

	require.NoError(t, relay.ResetSettings(ctx, true))
	got, err = relay.GetSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Credential)
	assert.Empty(t, got.ResourceID)
}

func TestService_OwnersAreIsolated(t *testing.T) {
	svc, _ := newTestService(t, "gmail", &fakeProber{})
	ctx := context.Background()

	require.NoError(t, svc.SaveRecord(ctx, "alice", Record{KeyCredential: validCredential}))

	bob, err := svc.For("bob").GetSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, bob.Credential)
}

func TestService_TestConnectionValidatesFirst(t *testing.T) {
	prober := &fakeProber{}
	svc, _ := newTestService(t, "gmail", prober)

	_, err := svc.For("owner1").TestConnection(context.Background(), ProbeRequest{Credential: "nope", ResourceID: validResourceID})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, prober.Probes(), "no request may be sent for an invalid credential")

	_, err = svc.For("owner1").TestConnection(context.Background(), ProbeRequest{Credential: validCredential, ResourceID: "12345"})
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, prober.Probes())
}

func TestService_TestConnectionForceSkipsValidation(t *testing.T) {
	prober := &fakeProber{}
	svc, _ := newTestService(t, "gmail", prober)

	_, err := svc.For("owner1").TestConnection(context.Background(), ProbeRequest{Credential: "legacy-token", ResourceID: validResourceID, Force: true})
	require.NoError(t, err)
	assert.Len(t, prober.Probes(), 1)
}

func TestService_TestConnectionNormalizesID(t *testing.T) {
	prober := &fakeProber{}
	svc, _ := newTestService(t, "gmail", prober)

	_, err := svc.For("owner1").TestConnection(context.Background(), ProbeRequest{
		Credential: validCredential,
		ResourceID: "A1B2C3D4E5F64789A1231234567890AB",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{validResourceID}, prober.Probes())
}

func TestService_ProbeErrorPassesThrough(t *testing.T) {
	prober := &fakeProber{ProbeFunc: func(context.Context, string, string) (ResourceDescriptor, error) {
		return ResourceDescriptor{}, &ProbeError{Kind: ProbeUnauthorized, Status: 401, Message: "API token is invalid."}
	}}
	svc, _ := newTestService(t, "gmail", prober)

	_, err := svc.For("owner1").TestConnection(context.Background(), ProbeRequest{Credential: validCredential, ResourceID: validResourceID})
	require.EqualError(t, err, "HTTP 401: API token is invalid.")
	assert.Len(t, prober.Probes(), 1, "probes are never retried")
}

func TestService_URLPolicy(t *testing.T) {
	noURL := func(context.Context, string, string) (ResourceDescriptor, error) {
		return ResourceDescriptor{
			ID:                validResourceID,
			Title:             "Shipments",
			PropertySummary:   "Name (title)",
			Warnings:          []string{"no url property: source links will not be saved"},
			MeetsRequirements: false,
		}, nil
	}
	req := ProbeRequest{Credential: validCredential, ResourceID: validResourceID}

	t.Run("warn", func(t *testing.T) {
		svc, _ := newTestService(t, "gmail", &fakeProber{ProbeFunc: noURL})
		d, err := svc.For("owner1").TestConnection(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, d.MeetsRequirements)
		assert.Len(t, d.Warnings, 1)
	})

	t.Run("block", func(t *testing.T) {
		svc, _ := newTestService(t, "logistics", &fakeProber{ProbeFunc: noURL})
		_, err := svc.For("owner1").TestConnection(context.Background(), req)
		var perr *ProbeError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, ProbeSchema, perr.Kind)
		assert.Contains(t, perr.Error(), "missing required field")
	})
}

func TestService_ListResourcesUsesSavedCredential(t *testing.T) {
	prober := &fakeProber{ListFunc: func(context.Context, string) ([]ResourceSummary, error) {
		return []ResourceSummary{{ID: validResourceID, Title: "Inbox"}}, nil
	}}
	svc, _ := newTestService(t, "gmail", prober)
	ctx := context.Background()

	_, err := svc.For("owner1").ListResources(ctx, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, prober.Lists())

	require.NoError(t, svc.SaveRecord(ctx, "owner1", Record{KeyCredential: validCredential}))
	rs, err := svc.For("owner1").ListResources(ctx, "")
	require.NoError(t, err)
	assert.Len(t, rs, 1)
	assert.Equal(t, []string{validCredential}, prober.Lists())
}

func TestService_HistoryAndExport(t *testing.T) {
	svc, _ := newTestService(t, "logistics", &fakeProber{})
	svc.now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }
	relay := svc.For("owner1")
	ctx := context.Background()

	_, err := relay.ExportData(ctx)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr, "export needs at least one extraction")

	for _, tracking := range []string{"T1", "T2", "T3"} {
		_, err := relay.RecordExtraction(ctx, map[string]string{"tracking": tracking, "carrier": "DHL"})
		require.NoError(t, err)
	}

	_, err = relay.RecordExtraction(ctx, map[string]string{"tracking": "T4", "carrier": "DHL"})
	require.ErrorIs(t, err, ErrStorageUnavailable, "a full history rejects new entries")
	assert.Contains(t, err.Error(), "history full")

	entries, err := relay.GetHistory(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3, "earlier entries are never evicted")
	assert.Equal(t, "T1", entries[0].Fields["tracking"])
	assert.Equal(t, "T3", entries[2].Fields["tracking"])

	exp, err := relay.ExportData(ctx)
	require.NoError(t, err)
	assert.Equal(t, "extraction-2026-03-14.csv", exp.Filename)
	assert.Equal(t, "carrier,tracking\nDHL,T3\n", exp.Content)

	require.NoError(t, svc.SaveRecord(ctx, "owner1", Record{"csvHeaders": "false"}))
	exp, err = relay.ExportData(ctx)
	require.NoError(t, err)
	assert.Equal(t, "DHL,T3\n", exp.Content)

	require.NoError(t, relay.ClearHistory(ctx))
	entries, err = relay.GetHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = relay.RecordExtraction(ctx, map[string]string{"tracking": "T4", "carrier": "DHL"})
	require.NoError(t, err, "clearing makes room again")
}

func TestService_RecordExtractionNeedsFields(t *testing.T) {
	svc, _ := newTestService(t, "gmail", &fakeProber{})

	_, err := svc.For("owner1").RecordExtraction(context.Background(), nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestService_NoHistoryStore(t *testing.T) {
	svc := NewService(newMockStore(), nil, &fakeProber{}, profiles["gmail"], Config{}, testLogger())
	relay := svc.For("owner1")
	ctx := context.Background()

	entries, err := relay.GetHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = relay.RecordExtraction(ctx, map[string]string{"subject": "hi"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
