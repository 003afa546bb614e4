// Package diffengine creates, applies, and summarizes unified diffs (spec
// §4.3). Diff *formatting* rides on go-difflib; diff *application* is
// hand-written because no patch-apply library appears anywhere in the
// example corpus this module is grounded on (go-difflib only formats and
// compares, it does not parse and apply unified diffs) — see DESIGN.md.
package diffengine

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/pkg/errors"

	"github.com/voidsync/voidsync/internal/apperrors"
)

// DefaultContextLines matches the spec's documented default.
const DefaultContextLines = 3

// Summary reports the aggregate shape of a change between two texts.
type Summary struct {
	AddedLines     int
	RemovedLines   int
	PercentChanged float64
}

// Engine creates and applies unified diffs.
type Engine struct {
	contextLines int
}

// New constructs an Engine with the given default context-line count.
func New(contextLines int) *Engine {
	if contextLines <= 0 {
		contextLines = DefaultContextLines
	}
	return &Engine{contextLines: contextLines}
}

// splitLines splits text into lines, each retaining its trailing newline
// except possibly the last. An empty string yields zero lines. Used
// instead of go-difflib's own SplitLines helper so that hunk indices in
// ApplyDiff are computed against a predictable, independently-verifiable
// splitting rule rather than riding on an undocumented library quirk.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}

// CreateDiff produces a unified diff of original -> modified. The patch's
// file name is the basename of path, per spec §4.3.
func (e *Engine) CreateDiff(path, original, modified string) (string, error) {
	name := filepath.Base(path)
	diff := difflib.UnifiedDiff{
		A:        splitLines(original),
		B:        splitLines(modified),
		FromFile: name,
		ToFile:   name,
		Context:  e.contextLines,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", errors.Wrap(err, "diffengine: create diff")
	}
	return text, nil
}

// Summarize reports lines added/removed and the percent of lines changed
// between original and modified, independent of any particular diff text.
func (e *Engine) Summarize(original, modified string) Summary {
	a := splitLines(original)
	b := splitLines(modified)

	matcher := difflib.NewMatcher(a, b)
	var added, removed int
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'd':
			removed += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		}
	}

	total := len(a)
	if total == 0 {
		if added > 0 {
			return Summary{AddedLines: added, RemovedLines: removed, PercentChanged: 100}
		}
		return Summary{}
	}
	changed := added + removed
	if changed > total {
		changed = total
	}
	percent := float64(changed) / float64(total) * 100
	return Summary{AddedLines: added, RemovedLines: removed, PercentChanged: percent}
}

// hunkLine is one line of a hunk body, with the marker stripped off. noNewline
// is true only for the single raw line that is the literal end of the patch
// text with no trailing "\n" -- i.e. the new last line of a file that itself
// has no trailing newline.
type hunkLine struct {
	marker    byte
	text      string
	noNewline bool
}

// hunk is one parsed @@ ... @@ block of a unified diff.
type hunk struct {
	origStart int
	origLen   int
	newStart  int
	newLen    int
	lines     []hunkLine
}

var _ = strconv.Itoa // keep strconv imported for hunk header parsing below

// parseHunks extracts hunks from unified diff text produced by CreateDiff.
// Only that grammar is supported -- this is not a general patch parser.
func parseHunks(patch string) ([]hunk, error) {
	rawLines := strings.Split(patch, "\n")
	// If patch doesn't end in "\n", the final element of rawLines is a real
	// line with no trailing newline in the source text.
	lastNoNewlineIdx := -1
	if !strings.HasSuffix(patch, "\n") {
		lastNoNewlineIdx = len(rawLines) - 1
	}

	var hunks []hunk
	i := 0
	for i < len(rawLines) {
		line := rawLines[i]
		if strings.HasPrefix(line, "@@ ") {
			h, consumed, err := parseOneHunk(rawLines, i, lastNoNewlineIdx)
			if err != nil {
				return nil, err
			}
			hunks = append(hunks, h)
			i += consumed
			continue
		}
		i++
	}
	return hunks, nil
}

func parseOneHunk(lines []string, start int, lastNoNewlineIdx int) (hunk, int, error) {
	header := lines[start]
	// Format: @@ -origStart,origLen +newStart,newLen @@
	parts := strings.SplitN(header, "@@", 3)
	if len(parts) < 2 {
		return hunk{}, 0, apperrors.New(apperrors.ErrPatchFailed, "diffengine: malformed hunk header")
	}
	fields := strings.Fields(parts[1])
	if len(fields) != 2 {
		return hunk{}, 0, apperrors.New(apperrors.ErrPatchFailed, "diffengine: malformed hunk header fields")
	}

	origStart, origLen, err := parseRange(fields[0], '-')
	if err != nil {
		return hunk{}, 0, err
	}
	newStart, newLen, err := parseRange(fields[1], '+')
	if err != nil {
		return hunk{}, 0, err
	}

	h := hunk{origStart: origStart, origLen: origLen, newStart: newStart, newLen: newLen}

	i := start + 1
	for i < len(lines) {
		raw := lines[i]
		if raw == "" || strings.HasPrefix(raw, "@@ ") {
			break
		}
		marker := raw[0]
		text := ""
		if len(raw) > 1 {
			text = raw[1:]
		}
		h.lines = append(h.lines, hunkLine{marker: marker, text: text, noNewline: i == lastNoNewlineIdx})
		i++
	}

	return h, i - start, nil
}

func parseRange(field string, marker byte) (int, int, error) {
	if len(field) == 0 || field[0] != marker {
		return 0, 0, apperrors.New(apperrors.ErrPatchFailed, "diffengine: malformed hunk range")
	}
	body := field[1:]
	start := 1
	length := 1
	if idx := strings.IndexByte(body, ','); idx >= 0 {
		s, err := strconv.Atoi(body[:idx])
		if err != nil {
			return 0, 0, apperrors.New(apperrors.ErrPatchFailed, "diffengine: malformed hunk start")
		}
		l, err := strconv.Atoi(body[idx+1:])
		if err != nil {
			return 0, 0, apperrors.New(apperrors.ErrPatchFailed, "diffengine: malformed hunk length")
		}
		start, length = s, l
	} else {
		s, err := strconv.Atoi(body)
		if err != nil {
			return 0, 0, apperrors.New(apperrors.ErrPatchFailed, "diffengine: malformed hunk start")
		}
		start = s
		length = 1
	}
	return start, length, nil
}

// ApplyDiff applies patch to original, returning the resulting text, or
// ErrPatchFailed if a hunk's context no longer matches.
func (e *Engine) ApplyDiff(patch, original string) (string, error) {
	if strings.TrimSpace(patch) == "" {
		return original, nil
	}

	hunks, err := parseHunks(patch)
	if err != nil {
		return "", err
	}

	origLines := splitLines(original)
	var result []string
	cursor := 0 // 0-indexed position in origLines already consumed

	for _, h := range hunks {
		hunkOrigIdx := h.origStart - 1
		if h.origLen == 0 {
			// Pure insertion: origStart points at the line *after* which
			// the insertion happens, per unified-diff convention.
			hunkOrigIdx = h.origStart
		}
		if hunkOrigIdx < cursor || hunkOrigIdx > len(origLines) {
			return "", apperrors.New(apperrors.ErrPatchFailed, "diffengine: hunk out of range")
		}

		// Copy untouched lines before this hunk verbatim.
		result = append(result, origLines[cursor:hunkOrigIdx]...)

		origPos := hunkOrigIdx
		for _, hl := range h.lines {
			switch hl.marker {
			case ' ':
				if origPos >= len(origLines) || trimEOL(origLines[origPos]) != trimEOL(hl.text) {
					return "", apperrors.New(apperrors.ErrPatchFailed,
						fmt.Sprintf("diffengine: context mismatch at original line %d", origPos+1))
				}
				result = append(result, origLines[origPos])
				origPos++
			case '-':
				if origPos >= len(origLines) || trimEOL(origLines[origPos]) != trimEOL(hl.text) {
					return "", apperrors.New(apperrors.ErrPatchFailed,
						fmt.Sprintf("diffengine: deletion mismatch at original line %d", origPos+1))
				}
				origPos++
			case '+':
				line := hl.text
				if !hl.noNewline && !strings.HasSuffix(line, "\n") {
					line += "\n"
				}
				result = append(result, line)
			default:
				return "", apperrors.New(apperrors.ErrPatchFailed, "diffengine: unknown hunk line marker")
			}
		}
		cursor = origPos
	}

	result = append(result, origLines[cursor:]...)

	return strings.Join(result, ""), nil
}

func trimEOL(s string) string {
	return strings.TrimRight(s, "\n")
}

// CanApply reports whether patch applies cleanly to current without
// mutating anything.
func (e *Engine) CanApply(patch, current string) bool {
	_, err := e.ApplyDiff(patch, current)
	return err == nil
}
