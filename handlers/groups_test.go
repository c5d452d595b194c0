package handlers

import (
	"reflect"
	"testing"
)

func TestMemberCandidates(t *testing.T) {
	got := memberCandidates("creator", []string{"a", "creator", "b", "a", "b", "c"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("memberCandidates = %v, want %v", got, want)
	}

	if got := memberCandidates("creator", nil); len(got) != 0 {
		t.Fatalf("memberCandidates of empty list = %v, want none", got)
	}
}
