// internal/concurrency/detector.go
package concurrency

import "strings"

type Pattern struct {
	Name        string        `json:"name"`
	FilePattern string        `json:"file_pattern"`
	Class       ConflictClass `json:"class"`
	Resolution  Resolution    `json:"resolution"`
}

// Detector flags paths that are likely to conflict. Advisory only; it never
// blocks a change.
type Detector struct {
	patterns []Pattern
}

func NewDetector() *Detector {
	return &Detector{}
}

// DefaultPatterns covers files humans and agents commonly edit at once.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "package manifest", FilePattern: "*package.json", Class: HumanVsAgent, Resolution: Manual},
		{Name: "go module", FilePattern: "*go.mod", Class: HumanVsAgent, Resolution: Manual},
		{Name: "lockfile", FilePattern: "*.lock", Class: SystemVsSystem, Resolution: UseNewer},
		{Name: "toml config", FilePattern: "*.toml", Class: HumanVsAgent, Resolution: Manual},
		{Name: "yaml config", FilePattern: "*.yaml", Class: HumanVsAgent, Resolution: Manual},
	}
}

func (d *Detector) AddPattern(p Pattern) {
	d.patterns = append(d.patterns, p)
}

func (d *Detector) Patterns() []Pattern {
	out := make([]Pattern, len(d.patterns))
	copy(out, d.patterns)
	return out
}

// DetectConflicts returns the patterns matching path in insertion order.
// The source is accepted for future per-source rules and currently ignored.
func (d *Detector) DetectConflicts(path string, _ ChangeSource) []Pattern {
	var matched []Pattern
	for _, p := range d.patterns {
		if matchPattern(path, p.FilePattern) {
			matched = append(matched, p)
		}
	}
	return matched
}

// matchPattern supports a single '*' wildcard. Patterns with more than one
// '*' never match.
func matchPattern(path, pattern string) bool {
	switch strings.Count(pattern, "*") {
	case 0:
		return path == pattern
	case 1:
		prefix, suffix, _ := strings.Cut(pattern, "*")
		return len(path) >= len(prefix)+len(suffix) &&
			strings.HasPrefix(path, prefix) && strings.HasSuffix(path, suffix)
	default:
		return false
	}
}
