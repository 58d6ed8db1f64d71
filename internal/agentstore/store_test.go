package agentstore

import (
	"testing"

	"distsim/internal/gid"
)

func TestNextLocalIDDisjointAcrossMasters(t *testing.T) {
	const totalMasters = 3
	const agentType = 0
	seen := make(map[int64]gid.MasterID)
	for rank := 0; rank < totalMasters; rank++ {
		store := NewStore(gid.MasterID(rank), totalMasters, 1, 1)
		for i := 0; i < 4; i++ {
			id := store.NextLocalID(agentType)
			if owner, exists := seen[id]; exists {
				t.Fatalf("local id %d allocated by both master %d and master %d", id, owner, rank)
			}
			seen[id] = gid.MasterID(rank)
		}
	}
}

func TestAddGetRemove(t *testing.T) {
	store := NewStore(0, 1, 2, 2)
	id := gid.Encode(0, store.NextLocalID(0), 2)
	a := NewAgent(id, 0)
	if err := store.Add(0, a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !store.Exists(id) {
		t.Fatalf("expected agent to exist")
	}
	got, ok := store.Get(id)
	if !ok || got != a {
		t.Fatalf("get returned wrong agent")
	}
	if err := store.Add(0, a); err == nil {
		t.Fatalf("expected duplicate add to fail")
	}
	if err := store.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if store.Exists(id) {
		t.Fatalf("expected agent to be gone after remove")
	}
	if err := store.Remove(id); err == nil {
		t.Fatalf("expected remove of missing agent to fail")
	}
}

func TestIterateOwnedSortedByGID(t *testing.T) {
	store := NewStore(0, 1, 1, 1)
	var ids []gid.GlobalID
	for i := 0; i < 5; i++ {
		id := gid.Encode(0, store.NextLocalID(0), 1)
		ids = append(ids, id)
		if err := store.Add(0, NewAgent(id, 0)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	out := store.IterateOwned()
	for i := 1; i < len(out); i++ {
		if out[i-1].ID >= out[i].ID {
			t.Fatalf("IterateOwned not sorted: %v", out)
		}
	}
}

func TestAgentAttrsAndDirtyCritical(t *testing.T) {
	a := NewAgent(gid.Encode(0, 0, 1), 0)
	a.SetAttr(0, []byte{1, 2, 3}, false)
	a.SetAttr(1, []byte{9}, true)

	if got := a.Attr(0); string(got) != "\x01\x02\x03" {
		t.Fatalf("attr 0 = %v", got)
	}
	dirty := a.TakeDirtyCritical()
	if len(dirty) != 1 || string(dirty[1]) != "\x09" {
		t.Fatalf("dirty critical = %v", dirty)
	}
	if more := a.TakeDirtyCritical(); len(more) != 0 {
		t.Fatalf("expected dirty set cleared after take, got %v", more)
	}
}

func TestAgentDirtyCriticalSkipsUnchangedValue(t *testing.T) {
	a := NewAgent(gid.Encode(0, 0, 1), 0)
	a.SetAttr(1, []byte{9}, true)
	if dirty := a.TakeDirtyCritical(); len(dirty) != 1 {
		t.Fatalf("expected first publish to report attr 1, got %v", dirty)
	}

	// Re-setting the same bytes marks the attribute dirty again but must
	// not be reported, since nothing actually changed.
	a.SetAttr(1, []byte{9}, true)
	if dirty := a.TakeDirtyCritical(); len(dirty) != 0 {
		t.Fatalf("expected unchanged critical value to be skipped, got %v", dirty)
	}

	a.SetAttr(1, []byte{10}, true)
	dirty := a.TakeDirtyCritical()
	if len(dirty) != 1 || string(dirty[1]) != "\x0a" {
		t.Fatalf("expected changed critical value to be reported, got %v", dirty)
	}
}

func TestAgentMailbox(t *testing.T) {
	a := NewAgent(gid.Encode(0, 0, 1), 0)
	a.Receive(ReceivedInteraction{Type: 1, SenderID: gid.Encode(0, 1, 1), Payload: []byte("a")})
	a.Receive(ReceivedInteraction{Type: 1, SenderID: gid.Encode(0, 2, 1), Payload: []byte("b")})
	msgs := a.Mailbox(1)
	if len(msgs) != 2 || string(msgs[0].Payload) != "a" || string(msgs[1].Payload) != "b" {
		t.Fatalf("mailbox = %+v", msgs)
	}
	a.ClearMailbox()
	if len(a.Mailbox(1)) != 0 {
		t.Fatalf("expected empty mailbox after clear")
	}
}

func TestOwnerMapReplaceAndSnapshot(t *testing.T) {
	om := NewOwnerMap()
	om.Set(gid.GlobalID(1), 0)
	om.Set(gid.GlobalID(2), 1)
	snap := om.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	om.Replace(map[gid.GlobalID]gid.MasterID{3: 2})
	if _, ok := om.Owner(1); ok {
		t.Fatalf("expected owner map replaced, old entry still present")
	}
	owner, ok := om.Owner(3)
	if !ok || owner != 2 {
		t.Fatalf("owner(3) = %v, %v", owner, ok)
	}
}
