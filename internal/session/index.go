package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/smallbiznis/valora-session/internal/adapter/cache"
	"github.com/smallbiznis/valora-session/internal/metrics"
)

// IndexEntry is one member of a user's active-session index.
type IndexEntry struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (e IndexEntry) expiry() time.Time { return time.UnixMilli(e.ExpiresAt) }

// ActiveSessionIndex tracks the live session tokens of each user in
// secondary storage under active-sessions-<userId>. Entries are kept sorted
// by expiry, expired entries are pruned on every write, and the key's TTL
// follows its furthest-future member. An empty index is deleted.
//
// Updates are read-modify-write without locking; a lost entry only affects
// listing and bulk revocation, never token lookup.
type ActiveSessionIndex struct {
	storage cache.SecondaryStorage
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewActiveSessionIndex builds an index over storage.
func NewActiveSessionIndex(storage cache.SecondaryStorage, now func() time.Time, m *metrics.Metrics) *ActiveSessionIndex {
	if now == nil {
		now = time.Now
	}
	return &ActiveSessionIndex{storage: storage, now: now, metrics: m}
}

// IndexKey is the secondary-storage key of userID's index.
func IndexKey(userID int64) string {
	return "active-sessions-" + strconv.FormatInt(userID, 10)
}

// Load returns the unexpired entries of userID, soonest expiry first.
func (x *ActiveSessionIndex) Load(ctx context.Context, userID int64) ([]IndexEntry, error) {
	raw, ok, err := x.storage.Get(ctx, IndexKey(userID))
	if err != nil {
		return nil, fmt.Errorf("load session index: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var entries []IndexEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode session index: %w", err)
	}
	return x.prune(entries), nil
}

// Upsert adds or moves token to expiresAt.
func (x *ActiveSessionIndex) Upsert(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	entries, err := x.Load(ctx, userID)
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Token != token {
			out = append(out, e)
		}
	}
	out = append(out, IndexEntry{Token: token, ExpiresAt: expiresAt.UnixMilli()})
	return x.write(ctx, userID, out)
}

// Remove drops tokens from userID's index.
func (x *ActiveSessionIndex) Remove(ctx context.Context, userID int64, tokens ...string) error {
	entries, err := x.Load(ctx, userID)
	if err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		drop[t] = struct{}{}
	}
	out := entries[:0]
	for _, e := range entries {
		if _, ok := drop[e.Token]; !ok {
			out = append(out, e)
		}
	}
	return x.write(ctx, userID, out)
}

// Clear deletes userID's index.
func (x *ActiveSessionIndex) Clear(ctx context.Context, userID int64) error {
	if err := x.storage.Delete(ctx, IndexKey(userID)); err != nil {
		return fmt.Errorf("clear session index: %w", err)
	}
	return nil
}

func (x *ActiveSessionIndex) write(ctx context.Context, userID int64, entries []IndexEntry) error {
	entries = x.prune(entries)
	x.metrics.ActiveIndexWritten()
	if len(entries) == 0 {
		return x.Clear(ctx, userID)
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode session index: %w", err)
	}
	ttl := entries[len(entries)-1].expiry().Sub(x.now())
	if err := x.storage.Set(ctx, IndexKey(userID), string(payload), ttl); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	return nil
}

func (x *ActiveSessionIndex) prune(entries []IndexEntry) []IndexEntry {
	now := x.now()
	out := make([]IndexEntry, 0, len(entries))
	for _, e := range entries {
		if e.expiry().After(now) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt < out[j].ExpiresAt })
	return out
}
