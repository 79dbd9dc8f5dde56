package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type patchOpType string

const (
	patchOpAdd    patchOpType = "add"
	patchOpDelete patchOpType = "delete"
	patchOpUpdate patchOpType = "update"
	patchOpMove   patchOpType = "move"
)

type patchHunk struct {
	matchLines   []string
	replaceLines []string
}

type patchOperation struct {
	typ     patchOpType
	path    string
	moveTo  string
	content []string
	hunks   []patchHunk
}

// ApplyPatch parses and applies a v4a format patch (the diff dialect used by
// Codex-style coding agents: "*** Begin Patch" / "*** Add File:" /
// "*** Update File:" / "*** Delete File:" / "*** Move File:" blocks with
// "@@" context hunks) against the files rooted at workDir. It returns a
// human-readable summary of what changed.
func ApplyPatch(workDir string, patch string) (string, error) {
	ops, err := parseV4APatch(patch)
	if err != nil {
		return "", err
	}
	if len(ops) == 0 {
		return "", fmt.Errorf("apply_patch: no file operations found in patch")
	}

	var summary []string
	for _, op := range ops {
		switch op.typ {
		case patchOpAdd:
			full := filepath.Join(workDir, op.path)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return "", fmt.Errorf("add file %s: %w", op.path, err)
			}
			if err := os.WriteFile(full, []byte(strings.Join(op.content, "\n")), 0o644); err != nil {
				return "", fmt.Errorf("add file %s: %w", op.path, err)
			}
			summary = append(summary, "Added: "+op.path)

		case patchOpDelete:
			full := filepath.Join(workDir, op.path)
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return "", fmt.Errorf("delete file %s: %w", op.path, err)
			}
			summary = append(summary, "Deleted: "+op.path)

		case patchOpUpdate:
			if err := applyUpdate(workDir, op); err != nil {
				return "", err
			}
			summary = append(summary, "Updated: "+op.path)

		case patchOpMove:
			if err := applyMove(workDir, op); err != nil {
				return "", err
			}
			summary = append(summary, fmt.Sprintf("Moved: %s -> %s", op.path, op.moveTo))

		default:
			return "", fmt.Errorf("apply_patch: unknown operation type %q", op.typ)
		}
	}
	return strings.Join(summary, "\n"), nil
}

func applyUpdate(workDir string, op patchOperation) error {
	full := filepath.Join(workDir, op.path)
	b, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("update file %s: %w", op.path, err)
	}
	lines := strings.Split(string(b), "\n")
	for _, h := range op.hunks {
		lines = applyHunk(lines, h)
	}
	if err := os.WriteFile(full, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("update file %s: %w", op.path, err)
	}
	return nil
}

func applyMove(workDir string, op patchOperation) error {
	src := filepath.Join(workDir, op.path)
	dst := filepath.Join(workDir, op.moveTo)
	b, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("move file %s: %w", op.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("move file %s: %w", op.path, err)
	}
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return fmt.Errorf("move file %s -> %s: %w", op.path, op.moveTo, err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("move file %s: removing source: %w", op.path, err)
	}
	return nil
}

// applyHunk locates a hunk's match lines (context + deleted lines, in
// original order) in the file and replaces them with the replacement lines
// (context + added lines). Falls back to a whitespace-insensitive match,
// and to appending at end of file if no match is found at all.
func applyHunk(fileLines []string, h patchHunk) []string {
	if len(h.matchLines) == 0 {
		return append(fileLines, h.replaceLines...)
	}
	idx := findExact(fileLines, h.matchLines)
	if idx < 0 {
		idx = findFuzzy(fileLines, h.matchLines)
	}
	if idx < 0 {
		return append(fileLines, h.replaceLines...)
	}
	out := make([]string, 0, len(fileLines)-len(h.matchLines)+len(h.replaceLines))
	out = append(out, fileLines[:idx]...)
	out = append(out, h.replaceLines...)
	out = append(out, fileLines[idx+len(h.matchLines):]...)
	return out
}

func findExact(fileLines, seq []string) int {
	if len(seq) == 0 || len(fileLines) < len(seq) {
		return -1
	}
	for i := 0; i <= len(fileLines)-len(seq); i++ {
		if matchesAt(fileLines, seq, i, func(a, b string) bool {
			return strings.TrimRight(a, " \t") == strings.TrimRight(b, " \t")
		}) {
			return i
		}
	}
	return -1
}

func findFuzzy(fileLines, seq []string) int {
	if len(seq) == 0 || len(fileLines) < len(seq) {
		return -1
	}
	for i := 0; i <= len(fileLines)-len(seq); i++ {
		if matchesAt(fileLines, seq, i, func(a, b string) bool {
			return strings.TrimSpace(a) == strings.TrimSpace(b)
		}) {
			return i
		}
	}
	return -1
}

func matchesAt(fileLines, seq []string, start int, eq func(a, b string) bool) bool {
	for j, want := range seq {
		if !eq(fileLines[start+j], want) {
			return false
		}
	}
	return true
}

func isPatchFileMarker(line string) bool {
	return strings.HasPrefix(line, "*** Add File:") ||
		strings.HasPrefix(line, "*** Delete File:") ||
		strings.HasPrefix(line, "*** Update File:") ||
		strings.HasPrefix(line, "*** Move File:")
}

func parseV4APatch(input string) ([]patchOperation, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("apply_patch: empty patch")
	}
	lines := strings.Split(input, "\n")
	if strings.TrimRight(lines[0], " \t\r") != "*** Begin Patch" {
		return nil, fmt.Errorf("apply_patch: expected '*** Begin Patch' on the first line, got %q", lines[0])
	}

	var ops []patchOperation
	i := 1
	for i < len(lines) {
		line := strings.TrimRight(lines[i], " \t\r")
		switch {
		case line == "" || line == "*** End Patch":
			i++
		case strings.HasPrefix(line, "*** Add File: "):
			var op patchOperation
			op, i = parsePatchAdd(lines, i)
			ops = append(ops, op)
		case strings.HasPrefix(line, "*** Delete File: "):
			ops = append(ops, patchOperation{
				typ:  patchOpDelete,
				path: strings.TrimRight(strings.TrimPrefix(line, "*** Delete File: "), " \t\r"),
			})
			i++
		case strings.HasPrefix(line, "*** Update File: "):
			var op patchOperation
			op, i = parsePatchUpdate(lines, i)
			ops = append(ops, op)
		case strings.HasPrefix(line, "*** Move File: "):
			op, err := parsePatchMove(line)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
			i++
		default:
			i++
		}
	}
	return ops, nil
}

func parsePatchAdd(lines []string, i int) (patchOperation, int) {
	path := strings.TrimRight(strings.TrimPrefix(strings.TrimRight(lines[i], " \t\r"), "*** Add File: "), " \t\r")
	i++
	var content []string
	for i < len(lines) {
		trimmed := strings.TrimRight(lines[i], " \t\r")
		if strings.HasPrefix(trimmed, "*** ") {
			break
		}
		if strings.HasPrefix(lines[i], "+") {
			content = append(content, lines[i][1:])
		}
		i++
	}
	return patchOperation{typ: patchOpAdd, path: path, content: content}, i
}

func parsePatchUpdate(lines []string, i int) (patchOperation, int) {
	path := strings.TrimRight(strings.TrimPrefix(strings.TrimRight(lines[i], " \t\r"), "*** Update File: "), " \t\r")
	i++
	op := patchOperation{typ: patchOpUpdate, path: path}
	for i < len(lines) {
		trimmed := strings.TrimRight(lines[i], " \t\r")
		switch {
		case isPatchFileMarker(trimmed) || trimmed == "*** End Patch":
			return op, i
		case strings.HasPrefix(trimmed, "@@"):
			var h patchHunk
			h, i = parsePatchHunk(lines, i+1)
			op.hunks = append(op.hunks, h)
		case trimmed == "*** End of File" || trimmed == "":
			i++
		case strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "+"):
			var h patchHunk
			h, i = parsePatchHunk(lines, i)
			op.hunks = append(op.hunks, h)
		default:
			i++
		}
	}
	return op, i
}

func parsePatchHunk(lines []string, i int) (patchHunk, int) {
	var h patchHunk
	for i < len(lines) {
		l := lines[i]
		trimmed := strings.TrimRight(l, " \t\r")
		if strings.HasPrefix(trimmed, "@@") || isPatchFileMarker(trimmed) || trimmed == "*** End Patch" {
			break
		}
		if trimmed == "*** End of File" {
			i++
			break
		}
		if len(l) == 0 {
			i++
			continue
		}
		switch l[0] {
		case ' ':
			h.matchLines = append(h.matchLines, l[1:])
			h.replaceLines = append(h.replaceLines, l[1:])
		case '-':
			h.matchLines = append(h.matchLines, l[1:])
		case '+':
			h.replaceLines = append(h.replaceLines, l[1:])
		default:
			h.matchLines = append(h.matchLines, l)
			h.replaceLines = append(h.replaceLines, l)
		}
		i++
	}
	return h, i
}

func parsePatchMove(line string) (patchOperation, error) {
	rest := strings.TrimRight(strings.TrimPrefix(line, "*** Move File: "), " \t\r")
	parts := strings.SplitN(rest, " -> ", 2)
	if len(parts) != 2 {
		return patchOperation{}, fmt.Errorf("apply_patch: invalid move syntax %q, expected 'old/path -> new/path'", rest)
	}
	return patchOperation{
		typ:    patchOpMove,
		path:   strings.TrimSpace(parts[0]),
		moveTo: strings.TrimSpace(parts[1]),
	}, nil
}
