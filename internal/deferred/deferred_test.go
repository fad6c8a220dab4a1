package deferred

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStoreAttachOrder(t *testing.T) {
	s := NewStore()
	s.Attach([]string{"a", "b"})
	s.Attach(nil)
	s.Attach([]string{"c"})

	got := s.Commands()
	want := []string{"a", "b", "c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Commands() mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreCommandsReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Attach([]string{"a"})
	got := s.Commands()
	got[0] = "mutated"
	if s.Commands()[0] != "a" {
		t.Fatal("Commands() leaked internal slice: mutation through the returned slice affected the store")
	}
}
