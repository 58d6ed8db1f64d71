package router

import (
	"context"
	"testing"

	"distsim/internal/agentstore"
	"distsim/internal/fabric"
	"distsim/internal/gid"
)

func TestEncodeDecodeOutboxCellRoundTrip(t *testing.T) {
	sender := gid.Encode(0, 1, 1)
	recipientA := gid.Encode(0, 2, 1)
	recipientB := gid.Encode(0, 3, 1)
	cell := map[int][]Interaction{
		2: {{Type: 2, SenderID: sender, RecipientID: recipientA, Payload: []byte("first")}},
		1: {
			{Type: 1, SenderID: sender, RecipientID: recipientB, Payload: []byte("a")},
			{Type: 1, SenderID: sender, RecipientID: recipientB, Payload: []byte("b")},
		},
	}
	buf := encodeOutboxCell(cell)
	decoded, err := decodeOutboxCell(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("decoded len = %d, want 3", len(decoded))
	}
	// type 1 must precede type 2 (ascending type order), and within type 1
	// "a" must precede "b" (FIFO push order).
	if decoded[0].Type != 1 || string(decoded[0].Payload) != "a" {
		t.Fatalf("decoded[0] = %+v", decoded[0])
	}
	if decoded[1].Type != 1 || string(decoded[1].Payload) != "b" {
		t.Fatalf("decoded[1] = %+v", decoded[1])
	}
	if decoded[2].Type != 2 || string(decoded[2].Payload) != "first" {
		t.Fatalf("decoded[2] = %+v", decoded[2])
	}
}

func TestDecodeEmptyCellReturnsNoInteractions(t *testing.T) {
	decoded, err := decodeOutboxCell(nil)
	if err != nil {
		t.Fatalf("decode nil: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected no interactions, got %v", decoded)
	}
}

func TestPushDropsMessageToMissingRecipient(t *testing.T) {
	owner := agentstore.NewOwnerMap()
	fabrics := fabric.NewChannelFabricSet(1)
	r := New(fabrics[0], owner, nil)

	r.Push(Interaction{Type: 1, SenderID: gid.Encode(0, 0, 1), RecipientID: gid.Encode(0, 99, 1), Payload: []byte("x")})

	r.mu.Lock()
	n := len(r.outbox)
	r.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected dropped message to leave outbox empty, got %d destinations", n)
	}
}

func TestExchangeRoutesPerDestinationPreservingFIFO(t *testing.T) {
	owner := agentstore.NewOwnerMap()
	senderID := gid.Encode(0, 0, 1)
	recipientOnRank1 := gid.Encode(0, 1, 1)
	owner.Set(senderID, 0)
	owner.Set(recipientOnRank1, 1)

	fabrics := fabric.NewChannelFabricSet(2)
	r0 := New(fabrics[0], owner, nil)
	r1 := New(fabrics[1], owner, nil)

	r0.Push(Interaction{Type: 5, SenderID: senderID, RecipientID: recipientOnRank1, Payload: []byte("one")})
	r0.Push(Interaction{Type: 5, SenderID: senderID, RecipientID: recipientOnRank1, Payload: []byte("two")})

	ctx := context.Background()
	var inbox1 []Interaction
	var err1 error
	done := make(chan struct{})
	go func() {
		inbox1, err1 = r1.Exchange(ctx)
		close(done)
	}()
	if _, err := r0.Exchange(ctx); err != nil {
		t.Fatalf("exchange rank 0: %v", err)
	}
	<-done
	if err1 != nil {
		t.Fatalf("exchange rank 1: %v", err1)
	}

	if len(inbox1) != 2 {
		t.Fatalf("rank 1 inbox len = %d, want 2", len(inbox1))
	}
	if string(inbox1[0].Payload) != "one" || string(inbox1[1].Payload) != "two" {
		t.Fatalf("FIFO order violated: %+v", inbox1)
	}
}

func TestExchangeRoutesSelfAddressedWithoutFabricRoundTrip(t *testing.T) {
	owner := agentstore.NewOwnerMap()
	senderID := gid.Encode(0, 0, 1)
	recipientSameRank := gid.Encode(0, 1, 1)
	owner.Set(senderID, 0)
	owner.Set(recipientSameRank, 0)

	fabrics := fabric.NewChannelFabricSet(2)
	r0 := New(fabrics[0], owner, nil)
	r1 := New(fabrics[1], owner, nil)

	r0.Push(Interaction{Type: 7, SenderID: senderID, RecipientID: recipientSameRank, Payload: []byte("loop1")})
	r0.Push(Interaction{Type: 7, SenderID: senderID, RecipientID: recipientSameRank, Payload: []byte("loop2")})

	ctx := context.Background()
	var inbox0 []Interaction
	var err0 error
	done := make(chan struct{})
	go func() {
		inbox0, err0 = r0.Exchange(ctx)
		close(done)
	}()
	if _, err := r1.Exchange(ctx); err != nil {
		t.Fatalf("exchange rank 1: %v", err)
	}
	<-done
	if err0 != nil {
		t.Fatalf("exchange rank 0: %v", err0)
	}

	if len(inbox0) != 2 {
		t.Fatalf("rank 0 inbox len = %d, want 2", len(inbox0))
	}
	if string(inbox0[0].Payload) != "loop1" || string(inbox0[1].Payload) != "loop2" {
		t.Fatalf("FIFO order violated for self-addressed cell: %+v", inbox0)
	}
}

func TestDispatchDeliversToRecipientMailbox(t *testing.T) {
	owner := agentstore.NewOwnerMap()
	fabrics := fabric.NewChannelFabricSet(1)
	r := New(fabrics[0], owner, nil)

	store := agentstore.NewStore(0, 1, 1, 1)
	recipientID := gid.Encode(0, 0, 1)
	agent := agentstore.NewAgent(recipientID, 0)
	if err := store.Add(0, agent); err != nil {
		t.Fatalf("add: %v", err)
	}

	r.Dispatch(store, []Interaction{
		{Type: 3, SenderID: gid.Encode(0, 1, 1), RecipientID: recipientID, Payload: []byte("hi")},
	})

	msgs := agent.Mailbox(3)
	if len(msgs) != 1 || string(msgs[0].Payload) != "hi" {
		t.Fatalf("mailbox = %+v", msgs)
	}
}
