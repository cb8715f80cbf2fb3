package vfs

import (
	"errors"
	"fmt"
	"strings"
)

// FaultOp names the operation a [RuleError] rule intercepts.
type FaultOp uint8

const (
	OpRead FaultOp = iota + 1
	OpWrite
	OpSync // SyncData, SyncAll and SyncDirectory
	OpOpen
	OpRename
	OpRemove // RemoveFile and RemoveDir
	OpLock
	OpSetLen
)

var faultOpNames = map[FaultOp]string{
	OpRead:   "read",
	OpWrite:  "write",
	OpSync:   "sync",
	OpOpen:   "open",
	OpRename: "rename",
	OpRemove: "remove",
	OpLock:   "lock",
	OpSetLen: "setlen",
}

func (o FaultOp) String() string {
	if s, ok := faultOpNames[o]; ok {
		return s
	}

	return fmt.Sprintf("op(%d)", uint8(o))
}

// ParseFaultOp parses the names printed by [FaultOp.String].
func ParseFaultOp(s string) (FaultOp, error) {
	for op, name := range faultOpNames {
		if strings.EqualFold(name, s) {
			return op, nil
		}
	}

	return 0, fmt.Errorf("unknown fault op %q", s)
}

// RuleType selects what a [Rule] does.
type RuleType uint8

const (
	// RuleError fails Op with Kind.
	RuleError RuleType = iota + 1
	// RuleQuota fails writes and growth that would push the bytes stored
	// under Path past Bytes. Path "/" is a global quota.
	RuleQuota
	// RuleBadRegion refuses any read or write touching [Start, End).
	RuleBadRegion
	// RuleTornWrite persists only the first Keep bytes of a write, then
	// fails it.
	RuleTornWrite
)

func (t RuleType) String() string {
	switch t {
	case RuleError:
		return "error"
	case RuleQuota:
		return "quota"
	case RuleBadRegion:
		return "bad-region"
	case RuleTornWrite:
		return "torn-write"
	default:
		return "invalid"
	}
}

// RuleID identifies a rule added to a [Faulty] manager.
type RuleID uint64

// Rule is one fault injection rule. Use the helpers on [Faulty]
// (ErrorOnRead, SpaceQuota, BadRegion, ...) for the common cases.
type Rule struct {
	Type RuleType

	// Path limits the rule to one canonical path. Empty matches every path.
	// Quota rules always apply to Path and everything beneath it.
	Path string
	// Prefix makes Path match the path and all of its descendants.
	Prefix bool

	// Op is the intercepted operation (RuleError only).
	Op FaultOp
	// Kind is the error kind returned. The zero value is
	// [KindUnexpectedFailure], which models an I/O error.
	Kind Kind

	// Bytes is the quota limit (RuleQuota).
	Bytes int64
	// Start and End bound a half-open bad region (RuleBadRegion).
	Start, End int64
	// Keep is the number of bytes a torn write persists (RuleTornWrite).
	Keep int64

	// After skips the first After matching calls. Quota rules ignore After,
	// Times and Rate.
	After int64
	// Times limits how often the rule fires. 0 means unlimited.
	Times int64
	// Rate fires the rule with this probability per matching call, using
	// the seeded RNG of the [Faulty] manager. 0 means always.
	Rate float64
}

func (r Rule) validate() error {
	if r.Path != "" {
		if _, err := CleanPath(r.Path); err != nil {
			return fmt.Errorf("rule path: %w", err)
		}
	}

	if r.Rate < 0 || r.Rate > 1 {
		return fmt.Errorf("rule rate %v outside [0, 1]", r.Rate)
	}

	if r.After < 0 || r.Times < 0 {
		return errors.New("rule after/times must be >= 0")
	}

	switch r.Type {
	case RuleError:
		if _, ok := faultOpNames[r.Op]; !ok {
			return fmt.Errorf("rule op %v is invalid", r.Op)
		}
	case RuleQuota:
		if r.Bytes < 0 {
			return errors.New("quota bytes must be >= 0")
		}
	case RuleBadRegion:
		if r.Start < 0 || r.End <= r.Start {
			return fmt.Errorf("bad region [%d, %d) is empty or negative", r.Start, r.End)
		}
	case RuleTornWrite:
		if r.Keep < 0 {
			return errors.New("torn write keep must be >= 0")
		}
	default:
		return fmt.Errorf("rule type %d is invalid", r.Type)
	}

	return nil
}

func (r Rule) String() string {
	var b strings.Builder

	b.WriteString(r.Type.String())

	switch r.Type {
	case RuleError:
		fmt.Fprintf(&b, " op=%s kind=%q", r.Op, r.Kind)
	case RuleQuota:
		fmt.Fprintf(&b, " bytes=%d", r.Bytes)
	case RuleBadRegion:
		fmt.Fprintf(&b, " range=[%d,%d)", r.Start, r.End)
	case RuleTornWrite:
		fmt.Fprintf(&b, " keep=%d", r.Keep)
	}

	if r.Path != "" {
		fmt.Fprintf(&b, " path=%s", r.Path)

		if r.Prefix {
			b.WriteString("/**")
		}
	}

	if r.After > 0 {
		fmt.Fprintf(&b, " after=%d", r.After)
	}

	if r.Times > 0 {
		fmt.Fprintf(&b, " times=%d", r.Times)
	}

	if r.Rate > 0 {
		fmt.Fprintf(&b, " rate=%g", r.Rate)
	}

	return b.String()
}

// ruleState is a rule plus its firing counters. Guarded by Faulty.mu.
type ruleState struct {
	id      RuleID
	rule    Rule
	path    string // canonical Path
	matched int64
	fired   int64
}

func (s *ruleState) matchesPath(clean string) bool {
	switch {
	case s.path == "":
		return true
	case s.rule.Prefix || s.rule.Type == RuleQuota:
		return isWithin(clean, s.path)
	default:
		return clean == s.path
	}
}

// overlaps reports whether [off, off+n) touches the rule's bad region.
func (s *ruleState) overlaps(off, n int64) bool {
	return n > 0 && off < s.rule.End && off+n > s.rule.Start
}
