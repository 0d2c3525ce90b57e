package bundle

import "testing"

func TestIsLegalTransition(t *testing.T) {
	cases := []struct {
		pre, post State
		want      bool
	}{
		{Created, Staged, true},
		{Created, Failed, true},
		{Created, Running, false},
		{Staged, Running, true},
		{Staged, Failed, true},
		{Staged, Created, false},
		{Running, Ready, true},
		{Running, Failed, true},
		{Running, Staged, true}, // launch-rejection rollback
		{Ready, Failed, false},
		{Failed, Ready, false},
	}
	for _, c := range cases {
		if got := IsLegalTransition(c.pre, c.post); got != c.want {
			t.Errorf("IsLegalTransition(%s, %s) = %v, want %v", c.pre, c.post, got, c.want)
		}
	}
}

func TestParentUUIDs(t *testing.T) {
	b := &Bundle{
		Dependencies: []Dependency{
			{ParentUUID: "a"},
			{ParentUUID: "b"},
			{ParentUUID: "a"},
		},
	}
	got := b.ParentUUIDs()
	if len(got) != 2 {
		t.Fatalf("expected 2 distinct parents, got %d", len(got))
	}
	if _, ok := got["a"]; !ok {
		t.Error("missing parent a")
	}
	if _, ok := got["b"]; !ok {
		t.Error("missing parent b")
	}
}

func TestMetadataIsEmpty(t *testing.T) {
	if !(Metadata{}).IsEmpty() {
		t.Error("zero-value Metadata should be empty")
	}
	if (Metadata{FailureMessage: "x"}).IsEmpty() {
		t.Error("Metadata with FailureMessage should not be empty")
	}
}
