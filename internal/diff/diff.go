// internal/diff/diff.go
package diff

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrTooLarge is returned when the comparison table would exceed the
// engine's cell limit.
var ErrTooLarge = errors.New("content too large to diff")

// DefaultMaxCells bounds the LCS table at roughly 16M entries.
const DefaultMaxCells = 1 << 24

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// Line is a single diff line. OldNum and NewNum are 1-based and zero when the
// line does not exist on that side.
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

// Hunk represents a continuous section of changes with surrounding context.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

type Stats struct {
	Additions int
	Deletions int
	Changes   int
}

type Result struct {
	Hunks []Hunk
	Stats Stats
	// Binary is set when either side contains a NUL byte; no hunks are
	// produced for binary content.
	Binary bool
}

// Identical reports whether the two sides had no line differences.
func (r *Result) Identical() bool {
	return !r.Binary && len(r.Hunks) == 0
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
	maxCells     int
}

// NewEngine creates a new diff engine with specified context lines
func NewEngine(contextLines int) *Engine {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Engine{contextLines: contextLines, maxCells: DefaultMaxCells}
}

// WithMaxCells changes the table limit.
func (e *Engine) WithMaxCells(n int) *Engine {
	e.maxCells = n
	return e
}

func splitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(content, []byte{'\n'}), []byte{'\n'})
}

// Diff generates a line-by-line diff between two contents
func (e *Engine) Diff(oldContent, newContent []byte) (*Result, error) {
	if bytes.IndexByte(oldContent, 0) >= 0 || bytes.IndexByte(newContent, 0) >= 0 {
		return &Result{Binary: !bytes.Equal(oldContent, newContent)}, nil
	}

	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)
	if e.maxCells > 0 && (len(oldLines)+1)*(len(newLines)+1) > e.maxCells {
		return nil, fmt.Errorf("%w: %d x %d lines", ErrTooLarge, len(oldLines), len(newLines))
	}

	script := e.editScript(oldLines, newLines)
	result := &Result{Hunks: e.group(script)}
	for _, line := range script {
		switch line.Type {
		case Addition:
			result.Stats.Additions++
		case Deletion:
			result.Stats.Deletions++
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions
	return result, nil
}

// editScript walks a suffix LCS table forward, preferring deletions before
// additions at each change point.
func (e *Engine) editScript(oldLines, newLines [][]byte) []Line {
	n, m := len(oldLines), len(newLines)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if bytes.Equal(oldLines[i], newLines[j]) {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	script := make([]Line, 0, n+m)
	i, j := 0, 0
	for i < n || j < m {
		switch {
		case i < n && j < m && bytes.Equal(oldLines[i], newLines[j]):
			script = append(script, Line{Type: Context, Content: string(oldLines[i]), OldNum: i + 1, NewNum: j + 1})
			i++
			j++
		case i < n && (j == m || lcs[i+1][j] >= lcs[i][j+1]):
			script = append(script, Line{Type: Deletion, Content: string(oldLines[i]), OldNum: i + 1})
			i++
		default:
			script = append(script, Line{Type: Addition, Content: string(newLines[j]), NewNum: j + 1})
			j++
		}
	}
	return script
}

// group cuts the edit script into hunks, merging changes separated by no
// more than twice the context width.
func (e *Engine) group(script []Line) []Hunk {
	var changes []int
	for idx, line := range script {
		if line.Type != Context {
			changes = append(changes, idx)
		}
	}
	if len(changes) == 0 {
		return nil
	}

	var hunks []Hunk
	start := max(0, changes[0]-e.contextLines)
	last := changes[0]
	flush := func(end int) {
		hunks = append(hunks, newHunk(script, start, end))
	}
	for _, idx := range changes[1:] {
		if idx-last > 2*e.contextLines {
			flush(min(len(script), last+e.contextLines+1))
			start = idx - e.contextLines
		}
		last = idx
	}
	flush(min(len(script), last+e.contextLines+1))
	return hunks
}

func newHunk(script []Line, start, end int) Hunk {
	h := Hunk{Lines: append([]Line(nil), script[start:end]...)}

	// positions consumed on each side before the hunk
	oldBefore, newBefore := 0, 0
	for _, line := range script[:start] {
		if line.Type != Addition {
			oldBefore++
		}
		if line.Type != Deletion {
			newBefore++
		}
	}
	for _, line := range h.Lines {
		if line.Type != Addition {
			h.OldLines++
		}
		if line.Type != Deletion {
			h.NewLines++
		}
	}

	h.OldStart, h.NewStart = oldBefore, newBefore
	if h.OldLines > 0 {
		h.OldStart++
	}
	if h.NewLines > 0 {
		h.NewStart++
	}
	return h
}

// Format renders the result in unified diff form.
func (r *Result) Format() string {
	if r.Binary {
		return "Binary contents differ\n"
	}

	var buf bytes.Buffer
	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				buf.WriteByte('+')
			case Deletion:
				buf.WriteByte('-')
			case Context:
				buf.WriteByte(' ')
			}
			buf.WriteString(line.Content)
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}
