package main

import (
	"context"
	"fmt"
)

// MaxValueBytes bounds a single stored value, like the browser sync area's per-item quota.
const MaxValueBytes = 8 * 1024

// SettingsStore persists settings records per owner. Stored values are returned as-is;
// default resolution happens in Profile.Resolve.
type SettingsStore interface {
	// Load returns the stored values for keys, or every stored key when keys is empty.
	Load(ctx context.Context, ownerID string, keys []string) (Record, error)
	// Save merges record into the owner's settings in a single write.
	Save(ctx context.Context, ownerID string, record Record) error
	// Clear removes only the named keys.
	Clear(ctx context.Context, ownerID string, keys []string) error
}

// HistoryStore keeps extraction history per owner. Entries can only be removed in bulk.
type HistoryStore interface {
	AppendHistory(ctx context.Context, ownerID string, entry HistoryEntry, limit int) error
	ListHistory(ctx context.Context, ownerID string) ([]HistoryEntry, error)
	ClearHistory(ctx context.Context, ownerID string) error
}

// checkQuota rejects a record before any write happens.
func checkQuota(record Record) error {
	for k, v := range record {
		if len(v) > MaxValueBytes {
			return storageErr("save", &quotaError{key: k, size: len(v)})
		}
	}
	return nil
}

type quotaError struct {
	key  string
	size int
}

func (e *quotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s is %d bytes, limit %d", e.key, e.size, MaxValueBytes)
}

type historyFullError struct {
	limit int
}

func (e *historyFullError) Error() string {
	return fmt.Sprintf("history full: %d entries, clear it to record more", e.limit)
}
