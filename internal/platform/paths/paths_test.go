package paths

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSafeJoin_Valid(t *testing.T) {
	base := t.TempDir()
	got, err := SafeJoin(base, "2025-12-19", "10_0_0_1_100_199_c1.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(base, "2025-12-19", "10_0_0_1_100_199_c1.jpg")
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestSafeJoin_RejectsTraversal(t *testing.T) {
	base := t.TempDir()
	cases := [][]string{
		{".."},
		{"..", "etc", "passwd"},
		{"a", "..", "..", "b"},
		{"/etc/passwd"},
	}
	for _, elements := range cases {
		if _, err := SafeJoin(base, elements...); err == nil {
			t.Errorf("expected traversal rejection for %v", elements)
		}
	}
}

func TestSafeJoin_SiblingPrefixNotConfused(t *testing.T) {
	// /tmp/x must not accept /tmp/x-evil via prefix matching.
	base := t.TempDir()
	sibling := base + "-evil"
	rel, err := filepath.Rel(base, sibling)
	if err != nil || !strings.HasPrefix(rel, "..") {
		t.Skip("cannot build sibling relative path")
	}
	if _, err := SafeJoin(base, rel); err == nil {
		t.Error("expected sibling-prefix path to be rejected")
	}
}
