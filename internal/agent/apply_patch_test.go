package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestApplyPatch_AddFile(t *testing.T) {
	dir := t.TempDir()
	patch := "*** Begin Patch\n" +
		"*** Add File: hello.go\n" +
		"+package main\n" +
		"+\n" +
		"+func main() {}\n" +
		"*** End Patch"

	summary, err := ApplyPatch(dir, patch)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if !strings.Contains(summary, "Added: hello.go") {
		t.Fatalf("summary: %q", summary)
	}
	b, err := os.ReadFile(filepath.Join(dir, "hello.go"))
	if err != nil {
		t.Fatalf("read added file: %v", err)
	}
	if string(b) != "package main\n\nfunc main() {}" {
		t.Fatalf("added content: %q", string(b))
	}
}

func TestApplyPatch_DeleteFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "doomed.txt"), []byte("bye"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	patch := "*** Begin Patch\n*** Delete File: doomed.txt\n*** End Patch"

	summary, err := ApplyPatch(dir, patch)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if !strings.Contains(summary, "Deleted: doomed.txt") {
		t.Fatalf("summary: %q", summary)
	}
	if _, err := os.Stat(filepath.Join(dir, "doomed.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed, stat err=%v", err)
	}
}

func TestApplyPatch_UpdateFile(t *testing.T) {
	dir := t.TempDir()
	original := "func greet() {\n\tfmt.Println(\"hi\")\n}\n"
	if err := os.WriteFile(filepath.Join(dir, "g.go"), []byte(original), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	patch := "*** Begin Patch\n" +
		"*** Update File: g.go\n" +
		"@@ func greet() {\n" +
		" func greet() {\n" +
		"-\tfmt.Println(\"hi\")\n" +
		"+\tfmt.Println(\"hello\")\n" +
		" }\n" +
		"*** End Patch"

	summary, err := ApplyPatch(dir, patch)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if !strings.Contains(summary, "Updated: g.go") {
		t.Fatalf("summary: %q", summary)
	}
	b, err := os.ReadFile(filepath.Join(dir, "g.go"))
	if err != nil {
		t.Fatalf("read updated file: %v", err)
	}
	if !strings.Contains(string(b), "hello") || strings.Contains(string(b), "\"hi\"") {
		t.Fatalf("updated content: %q", string(b))
	}
}

func TestApplyPatch_MoveFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "old.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	patch := "*** Begin Patch\n*** Move File: old.txt -> new/new.txt\n*** End Patch"

	summary, err := ApplyPatch(dir, patch)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if !strings.Contains(summary, "Moved: old.txt -> new/new.txt") {
		t.Fatalf("summary: %q", summary)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected source removed, err=%v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "new", "new.txt"))
	if err != nil || string(b) != "payload" {
		t.Fatalf("moved content: %q err=%v", string(b), err)
	}
}

func TestApplyPatch_RejectsMissingBeginMarker(t *testing.T) {
	dir := t.TempDir()
	if _, err := ApplyPatch(dir, "*** Add File: x.txt\n+hi\n"); err == nil {
		t.Fatalf("expected an error for a patch missing '*** Begin Patch'")
	}
}

func TestApplyPatch_RejectsEmptyPatch(t *testing.T) {
	dir := t.TempDir()
	if _, err := ApplyPatch(dir, ""); err == nil {
		t.Fatalf("expected an error for an empty patch")
	}
}
