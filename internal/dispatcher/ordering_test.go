package dispatcher

import (
	"testing"

	"github.com/bpfman/bpfmand/internal/catalog"
)

func progMember(id uint32, priority int32) member {
	return member{prog: &catalog.Program{
		Id:   id,
		Kind: catalog.KindXdp,
		XdpTc: &catalog.XdpTcData{
			IfIndex:  1,
			Priority: priority,
		},
	}}
}

func TestInsertSortedOrdersByPriorityThenID(t *testing.T) {
	var members []member
	members = insertSorted(members, progMember(5, 50))
	members = insertSorted(members, progMember(3, 10))
	members = insertSorted(members, progMember(4, 10))

	want := []uint32{3, 4, 5}
	for i, id := range want {
		if members[i].prog.Id != id {
			t.Fatalf("position %d = id %d, want %d (full order: %v)", i, members[i].prog.Id, id, idsOf(members))
		}
	}
}

func TestInsertSortedTieBreaksOnID(t *testing.T) {
	var members []member
	members = insertSorted(members, progMember(9, 20))
	members = insertSorted(members, progMember(2, 20))

	if members[0].prog.Id != 2 || members[1].prog.Id != 9 {
		t.Fatalf("expected lower id first on priority tie, got %v", idsOf(members))
	}
}

func TestAssignPositionsSetsDenseRange(t *testing.T) {
	members := []member{progMember(1, 1), progMember(2, 2), progMember(3, 3)}
	assignPositions(members)
	for i, m := range members {
		if m.prog.XdpTc.CurrentPosition == nil || *m.prog.XdpTc.CurrentPosition != uint32(i) {
			t.Fatalf("member %d current_position = %v, want %d", i, m.prog.XdpTc.CurrentPosition, i)
		}
		if !m.prog.XdpTc.Attached {
			t.Fatalf("member %d expected attached=true", i)
		}
	}
}

func TestIndexOfFindsAndMisses(t *testing.T) {
	members := []member{progMember(1, 1), progMember(2, 2)}
	if indexOf(members, 2) != 1 {
		t.Fatal("expected id 2 at index 1")
	}
	if indexOf(members, 99) != -1 {
		t.Fatal("expected -1 for absent id")
	}
}

func idsOf(members []member) []uint32 {
	ids := make([]uint32, len(members))
	for i, m := range members {
		ids[i] = m.prog.Id
	}
	return ids
}
