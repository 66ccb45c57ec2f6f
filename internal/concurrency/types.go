// internal/concurrency/types.go
package concurrency

import (
	"fmt"
	"strings"
	"time"

	"recovery/internal/digest"
)

// ChangeSource identifies who produced a change.
type ChangeSource interface {
	isChangeSource()
	String() string
}

type AgentIteration struct {
	Iteration uint32 `json:"iteration"`
	AgentID   string `json:"agent_id"`
}

type HumanEdit struct {
	UserID string `json:"user_id"`
}

type SystemRecovery struct{}

type CawsValidation struct{}

func (AgentIteration) isChangeSource() {}
func (HumanEdit) isChangeSource()      {}
func (SystemRecovery) isChangeSource() {}
func (CawsValidation) isChangeSource() {}

func (s AgentIteration) String() string {
	return fmt.Sprintf("agent(%s#%d)", s.AgentID, s.Iteration)
}

func (s HumanEdit) String() string {
	return fmt.Sprintf("human(%s)", s.UserID)
}

func (SystemRecovery) String() string { return "system-recovery" }
func (CawsValidation) String() string { return "caws-validation" }

type ConflictClass int

const (
	AgentVsAgent ConflictClass = iota
	AgentVsSystem
	HumanVsAgent
	HumanVsSystem
	SystemVsSystem
	ValidationVsSystem
)

var classNames = [...]string{
	AgentVsAgent:       "agent_vs_agent",
	AgentVsSystem:      "agent_vs_system",
	HumanVsAgent:       "human_vs_agent",
	HumanVsSystem:      "human_vs_system",
	SystemVsSystem:     "system_vs_system",
	ValidationVsSystem: "validation_vs_system",
}

func (c ConflictClass) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return fmt.Sprintf("class(%d)", int(c))
	}
	return classNames[c]
}

func (c ConflictClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ConflictClass) UnmarshalText(text []byte) error {
	for i, name := range classNames {
		if name == string(text) {
			*c = ConflictClass(i)
			return nil
		}
	}
	return fmt.Errorf("unknown conflict class %q", text)
}

// Resolution is a strategy for settling a conflict.
type Resolution int

const (
	AutoMerge Resolution = iota
	Manual
	Reject
	Branch
	UseNewer
	UseOlder
)

var resolutionNames = [...]string{
	AutoMerge: "auto_merge",
	Manual:    "manual",
	Reject:    "reject",
	Branch:    "branch",
	UseNewer:  "use_newer",
	UseOlder:  "use_older",
}

func (r Resolution) String() string {
	if r < 0 || int(r) >= len(resolutionNames) {
		return fmt.Sprintf("resolution(%d)", int(r))
	}
	return resolutionNames[r]
}

func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Resolution) UnmarshalText(text []byte) error {
	parsed, err := ParseResolution(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseResolution accepts the snake_case names used in config files.
func ParseResolution(s string) (Resolution, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for i, name := range resolutionNames {
		if name == norm {
			return Resolution(i), nil
		}
	}
	return Manual, fmt.Errorf("unknown resolution strategy %q", s)
}

// Control is the bookkeeping kept for a pending change.
type Control struct {
	Precondition *digest.Digest
	Source       ChangeSource
	Timestamp    time.Time
	SessionID    string
	AgentID      string
}

type ConflictInfo struct {
	ID                 string        `json:"id"`
	Path               string        `json:"path"`
	Class              ConflictClass `json:"class"`
	BaseDigest         digest.Digest `json:"base_digest"`
	CurrentDigest      digest.Digest `json:"current_digest"`
	ProposedDigest     digest.Digest `json:"proposed_digest"` // content the losing change tried to record
	Timestamp          time.Time     `json:"timestamp"`
	ConflictingSession string        `json:"conflicting_session"`
	ResolutionStrategy Resolution    `json:"resolution_strategy"`
}

type ResultKind int

const (
	Success ResultKind = iota
	Conflict
	Rejected
	Branched
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case Conflict:
		return "conflict"
	case Rejected:
		return "rejected"
	case Branched:
		return "branched"
	default:
		return fmt.Sprintf("result(%d)", int(k))
	}
}

// Result is the outcome of RecordChange or ResolveConflict. Conflict is set
// for Kind == Conflict, Branch for Kind == Branched.
type Result struct {
	Kind     ResultKind
	Conflict *ConflictInfo
	Branch   string
	// Degraded marks an AutoMerge request that fell back to Manual.
	Degraded bool
}

type Stats struct {
	TotalFiles      int `json:"total_files"`
	PendingChanges  int `json:"pending_changes"`
	TotalConflicts  int `json:"total_conflicts"`
	RecentConflicts int `json:"recent_conflicts"`
}
