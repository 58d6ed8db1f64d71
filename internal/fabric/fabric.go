// Package fabric models the message-passing substrate spec §5 requires:
// typed point-to-point send/receive, collective barrier/broadcast/
// all-to-all-v/all-gather-v, and one-sided memory windows with epoch-scoped
// remote put/get. The default implementation runs every peer as a goroutine
// communicating over channels, grounded on the goroutine+channel peer model
// described in other_examples/dedis-tlc's doc comment.
package fabric

import "context"

// Rank identifies one peer (master) within the fabric, in [0, Size).
type Rank int

// Fabric is the transport every masters-side component (window layer,
// interaction router, meta-evolution, control plane) builds on.
type Fabric interface {
	// Self returns this peer's rank and the fabric's total size.
	Self() (rank Rank, size int)

	// Send delivers a tagged byte payload to dst; Recv on dst with a
	// matching tag returns it. Orders travel by Broadcast, not Send.
	Send(ctx context.Context, dst Rank, tag int, payload []byte) error
	Recv(ctx context.Context, src Rank, tag int) ([]byte, error)

	// Barrier blocks until every peer has called Barrier for this step.
	Barrier(ctx context.Context) error

	// Broadcast sends payload from root to every peer (root included,
	// whose own call returns the same payload it passed in).
	Broadcast(ctx context.Context, root Rank, payload []byte) ([]byte, error)

	// AllToAllV exchanges a per-destination payload set: sendPerDst[d] is
	// this peer's payload for destination d. The result recvPerSrc[s] is
	// what src sent to this peer. Used by the interaction router's
	// exchange phase (§4.4).
	AllToAllV(ctx context.Context, sendPerDst [][]byte) (recvPerSrc [][]byte, err error)

	// AllGatherV gathers one payload per peer, in rank order, onto every
	// peer. Used by meta-evolution record exchange (§4.6) and by the
	// control plane's export gather.
	AllGatherV(ctx context.Context, payload []byte) ([][]byte, error)

	// RegisterWindow exposes buf under name for remote put/get by every
	// peer, addressed by (name, this rank). Mirrors MPI_Win_create: every
	// peer registers its own local buffer under the same name.
	RegisterWindow(name string, buf []byte) (Window, error)

	// OpenEpoch brackets a remote-access interval over the named window
	// with lock-all/unlock-all semantics (§5, §9 "scoped acquisition of
	// window epochs is mandatory"). Close blocks until every put/get
	// issued during the epoch has completed.
	OpenEpoch(ctx context.Context, name string) (Epoch, error)
}

// Window is a handle to this peer's own exposed memory region.
type Window interface {
	Owner() Rank
	Len() int
}

// Epoch is a bracketed interval during which a named window may be
// accessed remotely, addressed by target rank and byte offset; opening and
// closing the epoch provide the completion/visibility guarantees. Close
// must be called on every exit path, including error paths (§9).
type Epoch interface {
	// Put writes src into the byte range [offset, offset+len(src)) of
	// target's registered window.
	Put(ctx context.Context, target Rank, offset int, src []byte) error
	// Get reads len(dst) bytes starting at offset from target's
	// registered window into dst.
	Get(ctx context.Context, target Rank, offset int, dst []byte) error
	// Close flushes and completes all puts/gets issued in this epoch.
	Close(ctx context.Context) error
}
