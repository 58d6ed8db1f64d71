package fabric

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBarrierReleasesAllPeers(t *testing.T) {
	const n = 4
	fabrics := NewChannelFabricSet(n)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, fab := range fabrics {
		wg.Add(1)
		go func(i int, fab Fabric) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			errs[i] = fab.Barrier(ctx)
		}(i, fab)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("peer %d barrier error: %v", i, err)
		}
	}
}

func TestBroadcastDeliversRootPayload(t *testing.T) {
	const n = 3
	fabrics := NewChannelFabricSet(n)
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i, fab := range fabrics {
		wg.Add(1)
		go func(i int, fab Fabric) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			payload := []byte(nil)
			if i == 1 {
				payload = []byte("hello")
			}
			got, err := fab.Broadcast(ctx, Rank(1), payload)
			if err != nil {
				t.Errorf("peer %d broadcast error: %v", i, err)
				return
			}
			results[i] = got
		}(i, fab)
	}
	wg.Wait()
	for i, got := range results {
		if string(got) != "hello" {
			t.Fatalf("peer %d got %q, want %q", i, got, "hello")
		}
	}
}

func TestAllToAllVRoutesPerDestination(t *testing.T) {
	const n = 3
	fabrics := NewChannelFabricSet(n)
	recv := make([][][]byte, n)
	var wg sync.WaitGroup
	for i, fab := range fabrics {
		wg.Add(1)
		go func(i int, fab Fabric) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			send := make([][]byte, n)
			for d := 0; d < n; d++ {
				send[d] = []byte{byte(i), byte(d)}
			}
			got, err := fab.AllToAllV(ctx, send)
			if err != nil {
				t.Errorf("peer %d all-to-all-v error: %v", i, err)
				return
			}
			recv[i] = got
		}(i, fab)
	}
	wg.Wait()
	for dst := 0; dst < n; dst++ {
		for src := 0; src < n; src++ {
			got := recv[dst][src]
			want := []byte{byte(src), byte(dst)}
			if string(got) != string(want) {
				t.Fatalf("dst=%d src=%d got %v want %v", dst, src, got, want)
			}
		}
	}
}

func TestAllGatherVOrdersByRank(t *testing.T) {
	const n = 4
	fabrics := NewChannelFabricSet(n)
	results := make([][][]byte, n)
	var wg sync.WaitGroup
	for i, fab := range fabrics {
		wg.Add(1)
		go func(i int, fab Fabric) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			got, err := fab.AllGatherV(ctx, []byte{byte(i)})
			if err != nil {
				t.Errorf("peer %d all-gather-v error: %v", i, err)
				return
			}
			results[i] = got
		}(i, fab)
	}
	wg.Wait()
	for i, got := range results {
		for rank := 0; rank < n; rank++ {
			if len(got[rank]) != 1 || got[rank][0] != byte(rank) {
				t.Fatalf("peer %d saw rank %d = %v, want [%d]", i, rank, got[rank], rank)
			}
		}
	}
}

func TestSendRecvPointToPoint(t *testing.T) {
	fabrics := NewChannelFabricSet(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	var got []byte
	var recvErr error
	go func() {
		got, recvErr = fabrics[1].Recv(ctx, Rank(0), 7)
		close(done)
	}()
	if err := fabrics[0].Send(ctx, Rank(1), 7, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-done
	if recvErr != nil {
		t.Fatalf("recv: %v", recvErr)
	}
	if string(got) != "ping" {
		t.Fatalf("got %q, want %q", got, "ping")
	}
}

func TestWindowPutGetRoundTrip(t *testing.T) {
	fabrics := NewChannelFabricSet(2)
	buf := make([]byte, 16)
	if _, err := fabrics[0].RegisterWindow("public", buf); err != nil {
		t.Fatalf("register window: %v", err)
	}
	otherBuf := make([]byte, 16)
	if _, err := fabrics[1].RegisterWindow("public", otherBuf); err != nil {
		t.Fatalf("register window: %v", err)
	}
	ctx := context.Background()
	epoch, err := fabrics[1].OpenEpoch(ctx, "public")
	if err != nil {
		t.Fatalf("open epoch: %v", err)
	}
	if err := epoch.Put(ctx, Rank(0), 4, []byte("data")); err != nil {
		t.Fatalf("put: %v", err)
	}
	out := make([]byte, 4)
	if err := epoch.Get(ctx, Rank(0), 4, out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(out) != "data" {
		t.Fatalf("got %q, want %q", out, "data")
	}
	if err := epoch.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPutOutOfRangeFails(t *testing.T) {
	fabrics := NewChannelFabricSet(1)
	buf := make([]byte, 4)
	if _, err := fabrics[0].RegisterWindow("public", buf); err != nil {
		t.Fatalf("register window: %v", err)
	}
	ctx := context.Background()
	epoch, err := fabrics[0].OpenEpoch(ctx, "public")
	if err != nil {
		t.Fatalf("open epoch: %v", err)
	}
	if err := epoch.Put(ctx, Rank(0), 2, []byte("abcd")); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}
