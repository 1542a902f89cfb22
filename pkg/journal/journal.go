package journal

import (
	"context"
	"fmt"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// SequencedEvent pairs an event with its journal sequence number
type SequencedEvent struct {
	Seq   uint64       `json:"seq"`
	Event *types.Event `json:"event"`
}

// Tip is the latest (sequence, hash) of the chain
type Tip struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// AppendResult reports the sequence range assigned to a bundle and the new tip
type AppendResult struct {
	FirstSeq uint64 `json:"firstSeq"`
	LastSeq  uint64 `json:"lastSeq"`
	Tip      Tip    `json:"tip"`
}

// RangeOpts filters a Range query. Zero values mean "unbounded".
type RangeOpts struct {
	SinceSeq  uint64 // exclusive
	UntilSeq  uint64 // inclusive; 0 = open-ended
	TargetID  string
	EventType types.EventType
	Limit     int
}

// VerifyReport is the outcome of a chain verification pass
type VerifyReport struct {
	OK          bool   `json:"ok"`
	CheckedFrom uint64 `json:"checkedFrom"`
	CheckedTo   uint64 `json:"checkedTo"`
	BadSeq      uint64 `json:"badSeq,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Journal is the append-only, hash-chained event log. A bundle either fully
// persists in insertion order with a contiguous chain, or persists nothing.
type Journal interface {
	Append(ctx context.Context, bundle *types.Bundle) (*AppendResult, error)
	Range(ctx context.Context, opts RangeOpts) ([]*SequencedEvent, error)
	Tip(ctx context.Context) (Tip, error)
	VerifyChain(ctx context.Context, from, to uint64) (*VerifyReport, error)
	Close() error
}

// validateBundle performs the backend-independent checks: structure, the
// closed event-type set, single-target bundles, and no duplicate event ids
// inside the bundle itself.
func validateBundle(bundle *types.Bundle) error {
	if bundle == nil {
		return errdefs.New(errdefs.KindValidationFailed, "nil bundle")
	}
	if bundle.BundleID == "" {
		return errdefs.New(errdefs.KindValidationFailed, "bundle id is required")
	}
	if bundle.Target == "" {
		return errdefs.New(errdefs.KindValidationFailed, "bundle target is required")
	}
	if len(bundle.Events) == 0 {
		return errdefs.New(errdefs.KindValidationFailed, "bundle has no events")
	}

	seen := make(map[string]bool, len(bundle.Events))
	for i, e := range bundle.Events {
		if e == nil {
			return errdefs.Newf(errdefs.KindValidationFailed, "event %d is nil", i)
		}
		if e.EventID == "" {
			return errdefs.Newf(errdefs.KindValidationFailed, "event %d has no eventId", i)
		}
		if !types.KnownEventTypes[e.EventType] {
			return errdefs.Newf(errdefs.KindValidationFailed, "event %s has unknown type %q", e.EventID, e.EventType)
		}
		if e.Timestamp.IsZero() {
			return errdefs.Newf(errdefs.KindValidationFailed, "event %s has no timestamp", e.EventID)
		}
		if e.ActorID == "" {
			return errdefs.Newf(errdefs.KindValidationFailed, "event %s has no actorId", e.EventID)
		}
		if e.TargetID != "" && e.TargetID != bundle.Target {
			return errdefs.Newf(errdefs.KindValidationFailed,
				"event %s targets %q but bundle targets %q", e.EventID, e.TargetID, bundle.Target)
		}
		if seen[e.EventID] {
			return errdefs.Newf(errdefs.KindConflict, "duplicate event id %s in bundle", e.EventID)
		}
		seen[e.EventID] = true
	}
	return nil
}

// chainEvent stamps targetId, prevHash and hash onto a copy of the event and
// returns it. The input event is not mutated; journal entries are built from
// the copy.
func chainEvent(e *types.Event, target, prevHash string) (*types.Event, error) {
	chained := *e
	chained.TargetID = target
	chained.PrevHash = prevHash
	hash, err := EventHash(prevHash, &chained)
	if err != nil {
		return nil, fmt.Errorf("hash event %s: %w", e.EventID, err)
	}
	chained.Hash = hash
	return &chained, nil
}
