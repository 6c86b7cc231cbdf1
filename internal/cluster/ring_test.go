package cluster

import "testing"

func TestBuildRingDeterministic(t *testing.T) {
	nodes := []string{"node-a", "node-b", "node-c"}
	r1 := BuildRing(nodes)
	r2 := BuildRing(nodes)

	keys := []string{"tenant-1:/v1/widgets", "tenant-2:/v1/orders", "abc", ""}
	for _, k := range keys {
		o1, ok1 := r1.Owner(k)
		o2, ok2 := r2.Owner(k)
		if ok1 != ok2 || o1 != o2 {
			t.Fatalf("owner of %q not deterministic across rebuilds: %v/%v vs %v/%v", k, o1, ok1, o2, ok2)
		}
	}
}

func TestBuildRingEmptyHasNoOwner(t *testing.T) {
	r := BuildRing(nil)
	_, ok := r.Owner("anything")
	if ok {
		t.Fatalf("empty ring should have no owner")
	}
}

func TestBuildRingOwnerIsAlwaysAMember(t *testing.T) {
	nodes := []string{"n1", "n2", "n3", "n4", "n5"}
	r := BuildRing(nodes)
	memberSet := map[string]bool{}
	for _, n := range nodes {
		memberSet[n] = true
	}
	for i := 0; i < 500; i++ {
		key := "key-" + string(rune('a'+i%26)) + string(rune(i))
		owner, ok := r.Owner(key)
		if !ok {
			t.Fatalf("expected an owner for %q", key)
		}
		if !memberSet[owner] {
			t.Fatalf("owner %q of %q is not a ring member", owner, key)
		}
	}
}

func TestBuildRingHasVirtualNodesPerMember(t *testing.T) {
	nodes := []string{"solo"}
	r := BuildRing(nodes)
	if len(r.positions) != virtualNodesPerMember {
		t.Fatalf("expected %d virtual positions for one member, got %d", virtualNodesPerMember, len(r.positions))
	}
}

func TestBuildRingMembersDistinct(t *testing.T) {
	nodes := []string{"a", "b", "c"}
	r := BuildRing(nodes)
	got := r.Members()
	if len(got) != len(nodes) {
		t.Fatalf("expected %d distinct members, got %d (%v)", len(nodes), len(got), got)
	}
}

func TestBuildRingRedistributesOnMembershipChange(t *testing.T) {
	before := BuildRing([]string{"a", "b", "c"})
	after := BuildRing([]string{"a", "b", "c", "d"})

	moved := 0
	total := 0
	for i := 0; i < 2000; i++ {
		key := "owner-key-" + string(rune(i))
		total++
		o1, _ := before.Owner(key)
		o2, _ := after.Owner(key)
		if o1 != o2 {
			moved++
		}
	}
	// Adding one node to a 3-node ring should move roughly 1/4 of keys,
	// never anywhere near all of them, the point of consistent hashing
	// over naive mod-N sharding.
	if moved == 0 {
		t.Fatalf("expected some keys to move after adding a node")
	}
	if moved > total*3/4 {
		t.Fatalf("too many keys moved after adding one node: %d/%d", moved, total)
	}
}
