package devserver

import "testing"

func TestRoomRegistryFirstAndLastMember(t *testing.T) {
	r := newRoomRegistry()

	if !r.join("s1", "c1") {
		t.Fatal("first member should report first=true")
	}
	if r.join("s2", "c1") {
		t.Error("second member should report first=false")
	}
	if r.join("s1", "c1") {
		t.Error("duplicate join should report first=false")
	}

	if r.leave("s1", "c1") {
		t.Error("room still has a member, last should be false")
	}
	if !r.leave("s2", "c1") {
		t.Error("last member leaving should report last=true")
	}
	if r.leave("s2", "c1") {
		t.Error("leaving an unjoined room should report last=false")
	}
}

func TestRoomRegistryLeaveAll(t *testing.T) {
	r := newRoomRegistry()
	r.join("s1", "c1")
	r.join("s1", "c2")
	r.join("s2", "c2")

	emptied := r.leaveAll("s1")
	if len(emptied) != 1 || emptied[0] != "c1" {
		t.Fatalf("emptied = %v, want [c1]", emptied)
	}

	members := r.membersOf("c2")
	if len(members) != 1 || members[0] != "s2" {
		t.Errorf("c2 members = %v, want [s2]", members)
	}

	if emptied := r.leaveAll("s1"); len(emptied) != 0 {
		t.Errorf("second leaveAll emptied %v, want none", emptied)
	}
}
