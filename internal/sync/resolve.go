package sync

import (
	"github.com/openai118/flowslide-core/internal/record"
)

// Resolution is the decision for one incoming record against the
// destination copy.
type Resolution struct {
	Apply   bool
	Outcome record.ApplyOutcome
}

// resolve decides whether incoming replaces dest. dest may be nil (no
// copy on the destination).
//
// The function is total and deterministic: newer updated_at wins; equal
// timestamps with differing origins converge on the external copy (the
// push side keeps it, the pull side adopts it, so one cycle settles both
// stores); still tied, the higher version wins, then the lexicographically
// greater payload hash. Tombstones follow the same rules.
func resolve(incoming record.Record, dest *record.Record) Resolution {
	if dest == nil {
		return Resolution{Apply: true, Outcome: record.OutcomeApplied}
	}

	switch {
	case incoming.UpdatedAt > dest.UpdatedAt:
		return Resolution{Apply: true, Outcome: record.OutcomeApplied}
	case incoming.UpdatedAt < dest.UpdatedAt:
		return Resolution{Apply: false, Outcome: record.OutcomeSkippedSuperseded}
	}

	// Equal timestamps: a genuine conflict.
	if incoming.Origin != dest.Origin {
		return Resolution{
			Apply:   incoming.Origin == record.OriginExternal,
			Outcome: record.OutcomeConflictResolved,
		}
	}

	if incoming.Version != dest.Version {
		return Resolution{Apply: incoming.Version > dest.Version, Outcome: record.OutcomeConflictResolved}
	}

	ih, dh := incoming.PayloadHash(), dest.PayloadHash()
	if ih == dh {
		// Identical content; applying again would be a no-op.
		return Resolution{Apply: false, Outcome: record.OutcomeSkippedSuperseded}
	}
	return Resolution{Apply: ih > dh, Outcome: record.OutcomeConflictResolved}
}
