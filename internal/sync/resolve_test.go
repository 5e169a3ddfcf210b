package sync

import (
	"testing"

	"github.com/openai118/flowslide-core/internal/record"
)

func rec(updatedAt int64, origin record.Origin, version int64, payload string) record.Record {
	return record.Record{
		Type:      record.TypeProjects,
		ID:        "p1",
		Payload:   []byte(payload),
		UpdatedAt: updatedAt,
		Origin:    origin,
		Version:   version,
	}
}

func TestResolveInsertWhenAbsent(t *testing.T) {
	res := resolve(rec(100, record.OriginLocal, 1, "a"), nil)
	if !res.Apply || res.Outcome != record.OutcomeApplied {
		t.Fatalf("expected insert, got %+v", res)
	}
}

func TestResolveNewerWins(t *testing.T) {
	dest := rec(100, record.OriginExternal, 1, "old")
	res := resolve(rec(200, record.OriginLocal, 1, "new"), &dest)
	if !res.Apply || res.Outcome != record.OutcomeApplied {
		t.Fatalf("newer incoming must win, got %+v", res)
	}

	res = resolve(rec(50, record.OriginLocal, 5, "stale"), &dest)
	if res.Apply || res.Outcome != record.OutcomeSkippedSuperseded {
		t.Fatalf("older incoming must lose, got %+v", res)
	}
}

func TestResolveTieConvergesToExternal(t *testing.T) {
	local := rec(1000, record.OriginLocal, 1, `{"title":"A"}`)
	external := rec(1000, record.OriginExternal, 1, `{"title":"B"}`)

	// Pushing the local copy onto the external store: the external copy
	// stays.
	res := resolve(local, &external)
	if res.Apply {
		t.Fatalf("external copy must survive the push side, got %+v", res)
	}
	if res.Outcome != record.OutcomeConflictResolved {
		t.Fatalf("tie must count as conflict, got %v", res.Outcome)
	}

	// Pulling the external copy onto the local store: the local copy is
	// replaced, so both stores settle on the external value.
	res = resolve(external, &local)
	if !res.Apply || res.Outcome != record.OutcomeConflictResolved {
		t.Fatalf("external copy must win the pull side, got %+v", res)
	}
}

func TestResolveTieVersionThenHash(t *testing.T) {
	dest := rec(1000, record.OriginLocal, 1, "x")
	in := rec(1000, record.OriginLocal, 2, "y")
	res := resolve(in, &dest)
	if !res.Apply || res.Outcome != record.OutcomeConflictResolved {
		t.Fatalf("higher version must win, got %+v", res)
	}

	a := rec(1000, record.OriginLocal, 1, "a")
	b := rec(1000, record.OriginLocal, 1, "b")
	fwd := resolve(a, &b)
	rev := resolve(b, &a)
	if fwd.Apply == rev.Apply {
		t.Fatalf("hash tiebreak must pick exactly one winner: fwd=%+v rev=%+v", fwd, rev)
	}
}

func TestResolveDeterministic(t *testing.T) {
	dest := rec(1000, record.OriginExternal, 3, "left")
	in := rec(1000, record.OriginLocal, 3, "right")
	first := resolve(in, &dest)
	for i := 0; i < 50; i++ {
		if got := resolve(in, &dest); got != first {
			t.Fatalf("resolution not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestResolveIdenticalContentIsNoop(t *testing.T) {
	dest := rec(1000, record.OriginLocal, 1, "same")
	res := resolve(rec(1000, record.OriginLocal, 1, "same"), &dest)
	if res.Apply {
		t.Fatalf("identical copies must not re-apply, got %+v", res)
	}
}

func TestResolveTombstoneSupersedesLive(t *testing.T) {
	dest := rec(100, record.OriginExternal, 1, "live")
	tomb := rec(200, record.OriginLocal, 2, "")
	tomb.Deleted = true
	res := resolve(tomb, &dest)
	if !res.Apply {
		t.Fatalf("newer tombstone must supersede live record, got %+v", res)
	}

	// And a newer live record supersedes an old tombstone.
	oldTomb := rec(100, record.OriginExternal, 1, "")
	oldTomb.Deleted = true
	live := rec(200, record.OriginLocal, 2, "revived")
	res = resolve(live, &oldTomb)
	if !res.Apply {
		t.Fatalf("newer live record must supersede tombstone, got %+v", res)
	}
}
