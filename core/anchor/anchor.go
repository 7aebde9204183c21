// Package anchor computes daily Merkle checkpoints over the transaction
// chain. An anchor is a point-in-time integrity snapshot for one UTC calendar
// day, not a running accumulator: re-anchoring after new same-day
// transactions replaces the stored root.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"boroledger/core/types"
	"boroledger/storage"
)

// MerkleRoot folds an ordered list of lowercase hex transaction hashes into a
// single root digest. Adjacent leaves are paired and hashed as
// SHA-256(left || right) over the raw 32-byte digests; an unpaired trailing
// leaf is duplicated. The empty input yields the empty root.
func MerkleRoot(hashes []string) (string, error) {
	if len(hashes) == 0 {
		return "", nil
	}
	layer := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return "", fmt.Errorf("anchor: decode leaf %q: %w", h, err)
		}
		layer = append(layer, raw)
	}
	for len(layer) > 1 {
		next := make([][]byte, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			left := layer[i]
			right := left
			if i+1 < len(layer) {
				right = layer[i+1]
			}
			sum := sha256.Sum256(append(append([]byte{}, left...), right...))
			next = append(next, sum[:])
		}
		layer = next
	}
	return hex.EncodeToString(layer[0]), nil
}

// Result summarises one anchoring pass.
type Result struct {
	Day        string `json:"date"`
	MerkleRoot string `json:"merkle_root"`
	TxCount    int    `json:"tx_count"`
}

// Service reads the chain and persists daily checkpoints.
type Service struct {
	store *storage.Store
	log   *slog.Logger
	now   func() time.Time
}

// Option customises service construction.
type Option func(*Service)

// WithClock overrides the wall-clock source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.log = logger }
}

// NewService constructs an anchor service over the store.
func NewService(store *storage.Store, opts ...Option) *Service {
	s := &Service{store: store, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AnchorDay computes the Merkle root over the given day's transaction hashes
// (timestamp ascending, insertion order as tiebreak) and upserts the day's
// checkpoint. An empty day yields an empty root. Passing the empty string
// anchors the current UTC day.
func (s *Service) AnchorDay(ctx context.Context, day string) (Result, error) {
	if day == "" {
		day = s.now().UTC().Format(types.DayLayout)
	}
	if _, err := time.ParseInLocation(types.DayLayout, day, time.UTC); err != nil {
		return Result{}, fmt.Errorf("anchor: invalid day %q: %w", day, err)
	}
	hashes, err := s.store.DayHashes(ctx, day)
	if err != nil {
		return Result{}, err
	}
	root, err := MerkleRoot(hashes)
	if err != nil {
		return Result{}, err
	}
	if err := s.store.UpsertAnchor(ctx, types.Anchor{
		Day:        day,
		MerkleRoot: root,
		CreatedAt:  s.now().UTC(),
	}); err != nil {
		return Result{}, err
	}
	s.log.Info("day anchored", "day", day, "txs", len(hashes), "root", root)
	return Result{Day: day, MerkleRoot: root, TxCount: len(hashes)}, nil
}
