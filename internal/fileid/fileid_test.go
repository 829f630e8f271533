package fileid

import (
	"strings"
	"testing"
)

func TestFileDocID(t *testing.T) {
	id1 := FileDocID("/docs/handbook.pdf")
	id2 := FileDocID("/docs/handbook.pdf")
	if id1 != id2 {
		t.Errorf("same path should give same ID: %q vs %q", id1, id2)
	}
	if !strings.HasPrefix(id1, prefix) {
		t.Errorf("ID missing prefix %q: %q", prefix, id1)
	}
}

func TestFileDocID_differentPaths(t *testing.T) {
	if FileDocID("/docs/a.txt") == FileDocID("/docs/b.txt") {
		t.Error("different paths should give different IDs")
	}
}

func TestFileDocID_normalized(t *testing.T) {
	if FileDocID("/docs/sub") != FileDocID("/docs/./sub/") {
		t.Error("equivalent path spellings should give the same ID")
	}
}
