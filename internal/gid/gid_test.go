package gid

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	const ta = 5
	cases := []struct {
		agentType int
		localID   int64
	}{
		{0, 0}, {1, 0}, {4, 0}, {0, 1}, {3, 7}, {4, 999},
	}
	for _, c := range cases {
		id := Encode(c.agentType, c.localID, ta)
		gotType, gotLocal := Decode(id, ta)
		if gotType != c.agentType || gotLocal != c.localID {
			t.Fatalf("Encode(%d,%d) round-trip = (%d,%d), want (%d,%d)",
				c.agentType, c.localID, gotType, gotLocal, c.agentType, c.localID)
		}
	}
}
