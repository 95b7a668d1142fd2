package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/medstock/medstock/internal/platform/clock"
)

// Snapshot is the complete persisted state of a session.
type Snapshot struct {
	Records      []MedicineRecord `json:"records"`
	Inbound      []InboundOrder   `json:"inbound"`  // oldest first
	Outbound     []OutboundOrder  `json:"outbound"` // newest first
	LastRollover string           `json:"last_rollover,omitempty"`
	SavedAt      time.Time        `json:"saved_at"`
}

// Store persists snapshots. Load on an empty store returns an empty
// Snapshot and no error. Save replaces the stored state atomically.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// LoadRegistry reads only the registry part of the stored state.
func LoadRegistry(ctx context.Context, store Store, capacity int) (*Registry, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	reg := NewRegistry(capacity)
	for _, rec := range snap.Records {
		if err := reg.Insert(rec); err != nil {
			return nil, fmt.Errorf("load medicine %d: %w", rec.ID, err)
		}
	}
	return reg, nil
}

// SaveRegistry replaces the stored records with reg, keeping the stored
// queue and ledger. The save is stamped with clk.
func SaveRegistry(ctx context.Context, store Store, reg *Registry, clk clock.Clock) error {
	snap, err := store.Load(ctx)
	if err != nil {
		return err
	}
	snap.Records = reg.All()
	snap.SavedAt = clk.Now()
	return store.Save(ctx, snap)
}

// EncodeSnapshot writes snap as indented JSON.
func EncodeSnapshot(w io.Writer, snap Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// DecodeSnapshot reads a snapshot written by EncodeSnapshot.
func DecodeSnapshot(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
