package council

import (
	"strings"
	"testing"

	"storyguard/internal/changeset"
)

func TestBuildChunksSmallDiffSingleChunk(t *testing.T) {
	cs := sampleChangeset(t)
	chunks := buildChunks(cs, 100_000)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	c := chunks[0]
	if c.ID != "chunk-1" {
		t.Fatalf("id = %q", c.ID)
	}
	if len(c.Files) != 1 || c.Files[0] != "src/payments.py" {
		t.Fatalf("files = %v", c.Files)
	}
	if !strings.Contains(c.Text, "@@ -1,3 +1,4 @@") || !strings.Contains(c.Text, "+import os") {
		t.Fatalf("chunk text lost the diff:\n%s", c.Text)
	}
	if c.Tokens <= 0 {
		t.Fatalf("tokens = %d", c.Tokens)
	}
}

func TestBuildChunksPacksWholeFiles(t *testing.T) {
	cs := &changeset.Changeset{Files: []changeset.FileDiff{
		bigFileDiff("src/table_a.py", 260),
		bigFileDiff("src/table_b.py", 260),
	}}
	chunks := buildChunks(cs, minChunkTokens)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want one per oversized file", len(chunks))
	}
	if chunks[0].Files[0] != "src/table_a.py" || chunks[1].Files[0] != "src/table_b.py" {
		t.Fatalf("file order lost: %v / %v", chunks[0].Files, chunks[1].Files)
	}
	for _, c := range chunks {
		if n := strings.Count(c.Text, "diff --git"); n != 1 {
			t.Fatalf("chunk %s holds %d files", c.ID, n)
		}
	}
}

func TestBuildChunksSplitsOversizedFileAtHunkBoundaries(t *testing.T) {
	a := bigFileDiff("src/big.py", 260)
	b := bigFileDiff("src/big.py", 260)
	// One file, two hunks, each over budget by itself.
	file := changeset.FileDiff{
		Path:   "src/big.py",
		Status: changeset.StatusModified,
		Hunks:  []changeset.Hunk{a.Hunks[0], b.Hunks[0]},
	}
	cs := &changeset.Changeset{Files: []changeset.FileDiff{file}}

	chunks := buildChunks(cs, minChunkTokens)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want one per hunk", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Files) != 1 || c.Files[0] != "src/big.py" {
			t.Fatalf("chunk %s files = %v", c.ID, c.Files)
		}
		// Each piece repeats the file header so it parses alone.
		if !strings.HasPrefix(c.Text, "diff --git a/src/big.py") {
			t.Fatalf("chunk %s lacks a standalone header:\n%.80s", c.ID, c.Text)
		}
		if n := strings.Count(c.Text, "@@ -"); n != 1 {
			t.Fatalf("chunk %s holds %d hunks, want 1", c.ID, n)
		}
		parsed, err := changeset.ParseUnified(c.Text)
		if err != nil || len(parsed.Files) != 1 {
			t.Fatalf("chunk %s does not parse standalone: %v", c.ID, err)
		}
	}
}

func TestBuildChunksNeverBreaksHunk(t *testing.T) {
	cs := &changeset.Changeset{Files: []changeset.FileDiff{bigFileDiff("src/huge.py", 520)}}
	chunks := buildChunks(cs, minChunkTokens)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want a single oversized chunk", len(chunks))
	}
	if chunks[0].Tokens <= minChunkTokens {
		t.Fatalf("tokens = %d, expected the hunk to travel oversized", chunks[0].Tokens)
	}
}

func TestBuildChunksFloorsTinyBudget(t *testing.T) {
	chunks := buildChunks(sampleChangeset(t), 10)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1 under the floored budget", len(chunks))
	}
}

func TestBuildChunksEmptyChangeset(t *testing.T) {
	if chunks := buildChunks(&changeset.Changeset{}, minChunkTokens); chunks != nil {
		t.Fatalf("chunks = %+v, want nil", chunks)
	}
	if chunks := buildChunks(nil, minChunkTokens); chunks != nil {
		t.Fatalf("nil changeset: chunks = %+v, want nil", chunks)
	}
}
