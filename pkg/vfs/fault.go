package vfs

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
)

// FaultMode controls whether [Faulty] consults its rules.
type FaultMode uint8

const (
	// FaultModeActive applies the configured rules. This is the default.
	FaultModeActive FaultMode = iota
	// FaultModeNoOp passes every call straight through, keeping the rules
	// for later.
	FaultModeNoOp
)

// FaultyConfig configures a [Faulty] manager.
type FaultyConfig struct {
	// Seed seeds the RNG used by rules with a Rate.
	Seed int64
	// Mode is the initial mode.
	Mode FaultMode
	// Logger receives a Debug record for every injected fault. Nil discards.
	Logger *slog.Logger
}

// FaultStats counts injected faults by cause.
type FaultStats struct {
	ReadFails       int64
	WriteFails      int64
	SyncFails       int64
	OpenFails       int64
	RenameFails     int64
	RemoveFails     int64
	LockFails       int64
	SetLenFails     int64
	QuotaRejections int64
	BadRegionHits   int64
	TornWrites      int64
}

// RuleInfo is a snapshot of a configured rule.
type RuleInfo struct {
	ID      RuleID
	Rule    Rule
	Matched int64
	Fired   int64
}

// errInjectedFault is the cause carried by every injected error.
var errInjectedFault = errors.New("injected fault")

// Faulty wraps a [Manager] and injects failures according to its rules.
// With no rules (or in [FaultModeNoOp]) it is a pure pass-through.
//
// Injected errors have the same [Kind] as organic ones, so code under test
// cannot tell them apart; tests can with [IsInjected].
//
// Quota rules are all-or-nothing: a write that would exceed the quota fails
// with [ErrStorageFull] and leaves the file unchanged. Writes under a quota
// are serialized so that concurrent writers cannot jointly overshoot it.
type Faulty struct {
	inner  Manager
	logger *slog.Logger
	mode   atomic.Uint32

	mu     sync.Mutex // guards rules, nextID, rng
	rules  []*ruleState
	nextID RuleID
	rng    *rand.Rand

	quotaMu sync.Mutex

	readFails       atomic.Int64
	writeFails      atomic.Int64
	syncFails       atomic.Int64
	openFails       atomic.Int64
	renameFails     atomic.Int64
	removeFails     atomic.Int64
	lockFails       atomic.Int64
	setLenFails     atomic.Int64
	quotaRejections atomic.Int64
	badRegionHits   atomic.Int64
	tornWrites      atomic.Int64
}

var _ Manager = (*Faulty)(nil)

// NewFaulty wraps inner. Panics if inner is nil.
func NewFaulty(inner Manager, cfg FaultyConfig) *Faulty {
	if inner == nil {
		panic("inner manager is nil")
	}

	f := &Faulty{
		inner:  inner,
		logger: loggerOrDiscard(cfg.Logger),
		rng:    rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed))),
	}
	f.mode.Store(uint32(cfg.Mode))

	return f
}

// Inner returns the wrapped manager.
func (f *Faulty) Inner() Manager { return f.inner }

// SetMode switches between injecting and passing through.
func (f *Faulty) SetMode(m FaultMode) { f.mode.Store(uint32(m)) }

// Mode returns the current mode.
func (f *Faulty) Mode() FaultMode { return FaultMode(f.mode.Load()) }

func (f *Faulty) active() bool { return f.Mode() == FaultModeActive }

// AddRule validates and installs r.
func (f *Faulty) AddRule(r Rule) (RuleID, error) {
	if err := r.validate(); err != nil {
		return 0, fmt.Errorf("vfs: invalid fault rule: %w", err)
	}

	var clean string
	if r.Path != "" {
		clean, _ = CleanPath(r.Path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	f.rules = append(f.rules, &ruleState{id: f.nextID, rule: r, path: clean})

	return f.nextID, nil
}

func (f *Faulty) mustAdd(r Rule) RuleID {
	id, err := f.AddRule(r)
	if err != nil {
		panic(err)
	}

	return id
}

// ErrorOnRead makes reads of path fail with kind. Empty path matches all
// files. Panics if path is invalid; the same holds for the other helpers.
func (f *Faulty) ErrorOnRead(path string, kind Kind) RuleID {
	return f.mustAdd(Rule{Type: RuleError, Op: OpRead, Path: path, Kind: kind})
}

// ErrorOnWrite makes writes to path fail with kind.
func (f *Faulty) ErrorOnWrite(path string, kind Kind) RuleID {
	return f.mustAdd(Rule{Type: RuleError, Op: OpWrite, Path: path, Kind: kind})
}

// ErrorOnSync makes SyncData, SyncAll and SyncDirectory on path fail with kind.
func (f *Faulty) ErrorOnSync(path string, kind Kind) RuleID {
	return f.mustAdd(Rule{Type: RuleError, Op: OpSync, Path: path, Kind: kind})
}

// ErrorOnOpen makes opens of path fail with kind.
func (f *Faulty) ErrorOnOpen(path string, kind Kind) RuleID {
	return f.mustAdd(Rule{Type: RuleError, Op: OpOpen, Path: path, Kind: kind})
}

// ErrorOnRename makes renames from path fail with kind.
func (f *Faulty) ErrorOnRename(path string, kind Kind) RuleID {
	return f.mustAdd(Rule{Type: RuleError, Op: OpRename, Path: path, Kind: kind})
}

// ErrorOnRemove makes RemoveFile and RemoveDir on path fail with kind.
func (f *Faulty) ErrorOnRemove(path string, kind Kind) RuleID {
	return f.mustAdd(Rule{Type: RuleError, Op: OpRemove, Path: path, Kind: kind})
}

// ErrorOnLock makes TryLock on path fail with kind.
func (f *Faulty) ErrorOnLock(path string, kind Kind) RuleID {
	return f.mustAdd(Rule{Type: RuleError, Op: OpLock, Path: path, Kind: kind})
}

// SpaceQuota limits the bytes stored at or under scope. Scope "/" is a
// global quota.
func (f *Faulty) SpaceQuota(scope string, bytes int64) RuleID {
	return f.mustAdd(Rule{Type: RuleQuota, Path: scope, Bytes: bytes})
}

// BadRegion refuses reads and writes of path touching [start, end).
func (f *Faulty) BadRegion(path string, start, end int64) RuleID {
	return f.mustAdd(Rule{Type: RuleBadRegion, Path: path, Start: start, End: end})
}

// TornWrite makes the next write to path persist only keep bytes and fail.
func (f *Faulty) TornWrite(path string, keep int64) RuleID {
	return f.mustAdd(Rule{Type: RuleTornWrite, Path: path, Keep: keep, Times: 1})
}

// RemoveRule removes a rule and reports whether it existed.
func (f *Faulty) RemoveRule(id RuleID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.rules)
	f.rules = slices.DeleteFunc(f.rules, func(s *ruleState) bool { return s.id == id })

	return len(f.rules) < n
}

// ClearRules removes every rule.
func (f *Faulty) ClearRules() {
	f.mu.Lock()
	f.rules = nil
	f.mu.Unlock()
}

// Rules returns the configured rules in insertion order.
func (f *Faulty) Rules() []RuleInfo {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]RuleInfo, len(f.rules))
	for i, s := range f.rules {
		out[i] = RuleInfo{ID: s.id, Rule: s.rule, Matched: s.matched, Fired: s.fired}
	}

	return out
}

// Stats returns the current injection counts.
func (f *Faulty) Stats() FaultStats {
	return FaultStats{
		ReadFails:       f.readFails.Load(),
		WriteFails:      f.writeFails.Load(),
		SyncFails:       f.syncFails.Load(),
		OpenFails:       f.openFails.Load(),
		RenameFails:     f.renameFails.Load(),
		RemoveFails:     f.removeFails.Load(),
		LockFails:       f.lockFails.Load(),
		SetLenFails:     f.setLenFails.Load(),
		QuotaRejections: f.quotaRejections.Load(),
		BadRegionHits:   f.badRegionHits.Load(),
		TornWrites:      f.tornWrites.Load(),
	}
}

func (f *Faulty) opCounter(op FaultOp) *atomic.Int64 {
	switch op {
	case OpRead:
		return &f.readFails
	case OpWrite:
		return &f.writeFails
	case OpSync:
		return &f.syncFails
	case OpOpen:
		return &f.openFails
	case OpRename:
		return &f.renameFails
	case OpRemove:
		return &f.removeFails
	case OpLock:
		return &f.lockFails
	default:
		return &f.setLenFails
	}
}

// trigger applies After, Times and Rate. Caller must hold f.mu.
func (f *Faulty) trigger(s *ruleState) bool {
	s.matched++

	switch {
	case s.matched <= s.rule.After:
		return false
	case s.rule.Times > 0 && s.fired >= s.rule.Times:
		return false
	case s.rule.Rate > 0 && f.rng.Float64() >= s.rule.Rate:
		return false
	}

	s.fired++

	return true
}

// firstFiring returns a copy of the first rule of type t that matches and
// fires, or ok=false.
func (f *Faulty) firstFiring(t RuleType, clean string, match func(*ruleState) bool) (Rule, bool) {
	if !f.active() {
		return Rule{}, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.rules {
		if s.rule.Type != t || !s.matchesPath(clean) || (match != nil && !match(s)) {
			continue
		}

		if f.trigger(s) {
			return s.rule, true
		}
	}

	return Rule{}, false
}

// injectOp returns an injected error if a RuleError for op fires on clean.
func (f *Faulty) injectOp(op FaultOp, opName, clean string) error {
	r, ok := f.firstFiring(RuleError, clean, func(s *ruleState) bool { return s.rule.Op == op })
	if !ok {
		return nil
	}

	f.opCounter(op).Add(1)
	f.logger.Debug("vfs: injected fault", "op", opName, "path", clean, "kind", r.Kind.String())

	return newError(opName, clean, r.Kind, &InjectedError{Err: errInjectedFault})
}

func injectedRange(op, clean string, off, n int64, kind Kind, cause string) error {
	return newRangeError(op, clean, off, n, kind, &InjectedError{Err: fmt.Errorf("%w: %s", errInjectedFault, cause)})
}

// quotaScopes returns the quota rules that cover clean.
func (f *Faulty) quotaScopes(clean string) []Rule {
	if !f.active() {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Rule

	for _, s := range f.rules {
		if s.rule.Type == RuleQuota && s.matchesPath(clean) {
			r := s.rule
			r.Path = s.path

			if r.Path == "" {
				r.Path = "/"
			}

			out = append(out, r)
		}
	}

	return out
}

// checkQuota fails if growing clean by growth bytes would exceed a quota.
// Caller must hold f.quotaMu.
func (f *Faulty) checkQuota(op, clean string, off, n, growth int64, quotas []Rule) error {
	if growth <= 0 {
		return nil
	}

	for _, q := range quotas {
		used, err := f.inner.Usage(q.Path)
		if err != nil && !IsKind(err, KindNotFound) {
			return err
		}

		if used+growth > q.Bytes {
			f.quotaRejections.Add(1)
			f.logger.Debug("vfs: quota exceeded", "op", op, "path", clean, "scope", q.Path,
				"used", used, "growth", growth, "limit", q.Bytes)

			return injectedRange(op, clean, off, n, KindStorageFull,
				fmt.Sprintf("quota %d bytes on %s exceeded", q.Bytes, q.Path))
		}
	}

	return nil
}

// Open implements [Manager].
func (f *Faulty) Open(path string, opts OpenOptions) (File, error) {
	clean, err := cleanPath("open", path)
	if err != nil {
		return nil, err
	}

	if err := f.injectOp(OpOpen, "open", clean); err != nil {
		return nil, err
	}

	inner, err := f.inner.Open(clean, opts)
	if err != nil {
		return nil, err
	}

	return &faultyFile{f: f, inner: inner, path: clean}, nil
}

// CreateDirAll implements [Manager].
func (f *Faulty) CreateDirAll(path string) error { return f.inner.CreateDirAll(path) }

// RemoveFile implements [Manager].
func (f *Faulty) RemoveFile(path string) error {
	clean, err := cleanPath("remove", path)
	if err != nil {
		return err
	}

	if err := f.injectOp(OpRemove, "remove", clean); err != nil {
		return err
	}

	return f.inner.RemoveFile(clean)
}

// RemoveDir implements [Manager].
func (f *Faulty) RemoveDir(path string, recursive bool) error {
	clean, err := cleanPath("rmdir", path)
	if err != nil {
		return err
	}

	if err := f.injectOp(OpRemove, "rmdir", clean); err != nil {
		return err
	}

	return f.inner.RemoveDir(clean, recursive)
}

// Rename implements [Manager]. Rules match the source path.
func (f *Faulty) Rename(from, to string) error {
	clean, err := cleanPath("rename", from)
	if err != nil {
		return err
	}

	if err := f.injectOp(OpRename, "rename", clean); err != nil {
		return err
	}

	return f.inner.Rename(clean, to)
}

// Exists implements [Manager].
func (f *Faulty) Exists(path string) (bool, error) { return f.inner.Exists(path) }

// SyncDirectory implements [Manager].
func (f *Faulty) SyncDirectory(path string) error {
	clean, err := cleanPath("syncdir", path)
	if err != nil {
		return err
	}

	if err := f.injectOp(OpSync, "syncdir", clean); err != nil {
		return err
	}

	return f.inner.SyncDirectory(clean)
}

// List implements [Manager].
func (f *Faulty) List(path string) ([]string, error) { return f.inner.List(path) }

// Usage implements [Manager].
func (f *Faulty) Usage(path string) (int64, error) { return f.inner.Usage(path) }

// Shutdown implements [Manager].
func (f *Faulty) Shutdown() error { return f.inner.Shutdown() }
