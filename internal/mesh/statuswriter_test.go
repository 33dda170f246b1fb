package mesh

import "testing"

func TestRenderIncludesEveryNode(t *testing.T) {
	status := 1
	snaps := []Snapshot{
		{ID: 1, Name: "a", Available: true, Con: true, Routes: true, Status: &status},
		{ID: 2, Name: "b", Failed: true},
	}
	out := Render(snaps)
	if !contains(out, "a") || !contains(out, "b") {
		t.Fatalf("expected both node names in output, got %q", out)
	}
	if !contains(out, "failed=true ") {
		t.Fatalf("expected node b's failed flag to render, got %q", out)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
