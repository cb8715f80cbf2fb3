package shell

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/calvinalkan/vfs/pkg/vfs"
)

// ErrQuit is returned by [Shell.Exec] for "quit".
var ErrQuit = errors.New("quit")

var (
	errUsage         = errors.New("usage")
	errUnknownHandle = errors.New("unknown handle")
	errHandleInUse   = errors.New("handle id in use")
	errNotMemory     = errors.New("crash needs the memory backend")
	errNoLockState   = errors.New("backend does not report lock state")
)

// Shell executes commands against a fault-injecting manager. All output
// goes to out. A Shell is not safe for concurrent use.
type Shell struct {
	out    io.Writer
	logger *slog.Logger

	fs    *vfs.Faulty
	mem   *vfs.Memory // nil for the disk backend
	inner vfs.Manager

	handles map[string]vfs.File
	line    string // raw line being executed
}

// New builds the backend described by cfg, wraps it in a [vfs.Faulty] and
// installs cfg.Faults.
func New(cfg Config, out io.Writer, logger *slog.Logger) (*Shell, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Shell{out: out, logger: logger, handles: make(map[string]vfs.File)}

	switch cfg.Backend {
	case BackendMemory, "":
		mem, err := vfs.NewMemoryWithConfig(vfs.MemoryConfig{
			StrictDirSync: cfg.StrictDirSync,
			Writeback:     vfs.WritebackConfig{Seed: cfg.Seed},
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}

		s.mem, s.inner = mem, mem

	case BackendDisk:
		d, err := vfs.NewDiskWithConfig(cfg.Root, vfs.DiskConfig{Logger: logger})
		if err != nil {
			return nil, err
		}

		s.inner = d

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}

	s.fs = vfs.NewFaulty(s.inner, vfs.FaultyConfig{Seed: cfg.Seed, Logger: logger})

	for _, spec := range cfg.Faults {
		if _, err := s.addFault(spec); err != nil {
			_ = s.inner.Shutdown()

			return nil, fmt.Errorf("fault %q: %w", spec, err)
		}
	}

	logger.Debug("shell ready", "backend", cfg.Backend, "root", cfg.Root, "faults", len(cfg.Faults))

	return s, nil
}

// Manager returns the fault-injecting manager the shell drives.
func (s *Shell) Manager() *vfs.Faulty { return s.fs }

// Close closes every open handle and shuts the backend down.
func (s *Shell) Close() error {
	var errs []error

	for _, id := range s.handleIDs() {
		errs = append(errs, s.handles[id].Close())
		delete(s.handles, id)
	}

	errs = append(errs, s.fs.Shutdown())

	return errors.Join(errs...)
}

// command describes one shell command.
type command struct {
	name  string
	usage string
	short string
	min   int // minimum number of arguments
	exec  func(s *Shell, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"open", "open <id> <path> [rwcxt]", "open a file as handle <id> (default flags rwc)", 2, (*Shell).cmdOpen},
		{"write", "write <id> <off> <text...>", "write text at offset", 3, (*Shell).cmdWrite},
		{"read", "read <id> <off> <n>", "read up to n bytes at offset", 3, (*Shell).cmdRead},
		{"len", "len <id>", "print the file length", 1, (*Shell).cmdLen},
		{"setlen", "setlen <id> <n>", "truncate or extend", 2, (*Shell).cmdSetLen},
		{"sync", "sync <id>", "sync file data", 1, (*Shell).cmdSync},
		{"syncall", "syncall <id>", "sync data and metadata", 1, (*Shell).cmdSyncAll},
		{"lock", "lock <id> sh|ex [timeout]", "try to lock, or poll until timeout (e.g. 50ms)", 2, (*Shell).cmdLock},
		{"unlock", "unlock <id>", "release the handle's lock", 1, (*Shell).cmdUnlock},
		{"clone", "clone <id> <new-id>", "clone a handle", 2, (*Shell).cmdClone},
		{"close", "close <id>", "close a handle", 1, (*Shell).cmdClose},
		{"handles", "handles", "list open handles", 0, (*Shell).cmdHandles},
		{"mkdir", "mkdir <path>", "create a directory and its parents", 1, (*Shell).cmdMkdir},
		{"rm", "rm <path>", "remove a file", 1, (*Shell).cmdRm},
		{"rmdir", "rmdir [-r] <path>", "remove a directory", 1, (*Shell).cmdRmdir},
		{"mv", "mv <from> <to>", "rename", 2, (*Shell).cmdMv},
		{"ls", "ls [path]", "list a directory", 0, (*Shell).cmdLs},
		{"exists", "exists <path>", "report whether path exists", 1, (*Shell).cmdExists},
		{"usage", "usage [path]", "total file bytes under path", 0, (*Shell).cmdUsage},
		{"syncdir", "syncdir <path>", "sync a directory's entries", 1, (*Shell).cmdSyncDir},
		{"lockstate", "lockstate <path>", "show the lock held on path", 1, (*Shell).cmdLockState},
		{"crash", "crash", "simulate a crash (memory backend)", 0, (*Shell).cmdCrash},
		{"fault", "fault <spec...>", "add a fault rule (see 'help fault')", 1, (*Shell).cmdFault},
		{"faults", "faults", "list fault rules", 0, (*Shell).cmdFaults},
		{"unfault", "unfault <rule-id>", "remove a fault rule", 1, (*Shell).cmdUnfault},
		{"clearfaults", "clearfaults", "remove all fault rules", 0, (*Shell).cmdClearFaults},
		{"faultmode", "faultmode on|off", "enable or bypass fault rules", 1, (*Shell).cmdFaultMode},
		{"stats", "stats", "show injected fault counts", 0, (*Shell).cmdStats},
		{"help", "help [fault]", "show this help", 0, (*Shell).cmdHelp},
		{"quit", "quit", "exit (also: exit, q)", 0, nil},
	}
}

func lookup(name string) (command, bool) {
	switch name {
	case "exit", "q":
		name = "quit"
	case "?":
		name = "help"
	}

	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}

	return command{}, false
}

// Exec runs one command line. Blank lines and lines starting with # are
// ignored. It returns [ErrQuit] for "quit".
func (s *Shell) Exec(line string) error {
	s.line = strings.TrimRight(line, "\r\n")

	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	parts := strings.Fields(line)
	name := strings.ToLower(parts[0])
	args := parts[1:]

	c, ok := lookup(name)
	if !ok {
		return fmt.Errorf("unknown command %q (type 'help')", name)
	}

	if c.exec == nil {
		return ErrQuit
	}

	if len(args) < c.min {
		return fmt.Errorf("%w: %s", errUsage, c.usage)
	}

	s.logger.Debug("exec", "cmd", name, "args", args)

	return c.exec(s, args)
}

// afterFields returns line past its first n fields and the single separator
// that follows them, keeping the rest byte for byte.
func afterFields(line string, n int) string {
	for range n {
		line = strings.TrimLeftFunc(line, unicode.IsSpace)

		i := strings.IndexFunc(line, unicode.IsSpace)
		if i < 0 {
			return ""
		}

		line = line[i:]
	}

	_, size := utf8.DecodeRuneInString(line)

	return line[size:]
}

func (s *Shell) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format, args...)
}

func (s *Shell) handle(id string) (vfs.File, error) {
	f, ok := s.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownHandle, id)
	}

	return f, nil
}

func (s *Shell) handleIDs() []string {
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

func (s *Shell) cmdOpen(args []string) error {
	id, p := args[0], args[1]
	if _, ok := s.handles[id]; ok {
		return fmt.Errorf("%w: %q", errHandleInUse, id)
	}

	flags := "rwc"
	if len(args) > 2 {
		flags = args[2]
	}

	opts, err := parseOpenFlags(flags)
	if err != nil {
		return err
	}

	f, err := s.fs.Open(p, opts)
	if err != nil {
		return err
	}

	s.handles[id] = f
	s.printf("%s: opened %s (%s)\n", id, f.Path(), flags)

	return nil
}

// parseOpenFlags maps r(ead) w(rite) c(reate) x (create new) t(runcate).
func parseOpenFlags(flags string) (vfs.OpenOptions, error) {
	var o vfs.OpenOptions

	for _, c := range flags {
		switch c {
		case 'r':
			o.Read = true
		case 'w':
			o.Write = true
		case 'c':
			o.Create = true
		case 'x':
			o.CreateNew = true
		case 't':
			o.Truncate = true
		default:
			return vfs.OpenOptions{}, fmt.Errorf("unknown open flag %q (want a subset of rwcxt)", c)
		}
	}

	return o, nil
}

func (s *Shell) cmdWrite(args []string) error {
	f, err := s.handle(args[0])
	if err != nil {
		return err
	}

	off, err := parseInt("offset", args[1])
	if err != nil {
		return err
	}

	n, err := f.WriteAt([]byte(afterFields(s.line, 3)), off)
	if err != nil {
		if n > 0 {
			s.printf("wrote %d bytes before failing\n", n)
		}

		return err
	}

	s.printf("wrote %d bytes\n", n)

	return nil
}

func (s *Shell) cmdRead(args []string) error {
	f, err := s.handle(args[0])
	if err != nil {
		return err
	}

	off, err := parseInt("offset", args[1])
	if err != nil {
		return err
	}

	n, err := strconv.Atoi(args[2])
	if err != nil || n < 0 {
		return fmt.Errorf("%w: read <id> <off> <n>", errUsage)
	}

	data, err := vfs.ReadRange(f, off, n)
	if err != nil {
		return err
	}

	s.printf("%q (%d bytes)\n", data, len(data))

	return nil
}

func (s *Shell) cmdLen(args []string) error {
	f, err := s.handle(args[0])
	if err != nil {
		return err
	}

	n, err := f.Len()
	if err != nil {
		return err
	}

	s.printf("%d\n", n)

	return nil
}

func (s *Shell) cmdSetLen(args []string) error {
	f, err := s.handle(args[0])
	if err != nil {
		return err
	}

	n, err := parseInt("length", args[1])
	if err != nil {
		return err
	}

	if err := f.SetLen(n); err != nil {
		return err
	}

	s.printf("ok\n")

	return nil
}

func (s *Shell) cmdSync(args []string) error {
	return s.withHandle(args[0], vfs.File.SyncData)
}

func (s *Shell) cmdSyncAll(args []string) error {
	return s.withHandle(args[0], vfs.File.SyncAll)
}

func (s *Shell) cmdUnlock(args []string) error {
	return s.withHandle(args[0], vfs.File.Unlock)
}

func (s *Shell) withHandle(id string, fn func(vfs.File) error) error {
	f, err := s.handle(id)
	if err != nil {
		return err
	}

	if err := fn(f); err != nil {
		return err
	}

	s.printf("ok\n")

	return nil
}

func (s *Shell) cmdLock(args []string) error {
	f, err := s.handle(args[0])
	if err != nil {
		return err
	}

	var mode vfs.LockMode

	switch args[1] {
	case "sh", "shared":
		mode = vfs.LockShared
	case "ex", "exclusive":
		mode = vfs.LockExclusive
	default:
		return fmt.Errorf("%w: lock <id> sh|ex [timeout]", errUsage)
	}

	if len(args) > 2 {
		timeout, err := time.ParseDuration(args[2])
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}

		err = vfs.LockWithTimeout(f, mode, timeout)
		if err != nil {
			return err
		}
	} else if err := f.TryLock(mode); err != nil {
		return err
	}

	s.printf("locked %s\n", mode)

	return nil
}

func (s *Shell) cmdClone(args []string) error {
	f, err := s.handle(args[0])
	if err != nil {
		return err
	}

	if _, ok := s.handles[args[1]]; ok {
		return fmt.Errorf("%w: %q", errHandleInUse, args[1])
	}

	c, err := f.Clone()
	if err != nil {
		return err
	}

	s.handles[args[1]] = c
	s.printf("%s: cloned from %s\n", args[1], args[0])

	return nil
}

func (s *Shell) cmdClose(args []string) error {
	f, err := s.handle(args[0])
	if err != nil {
		return err
	}

	delete(s.handles, args[0])

	if err := f.Close(); err != nil {
		return err
	}

	s.printf("ok\n")

	return nil
}

func (s *Shell) cmdHandles([]string) error {
	for _, id := range s.handleIDs() {
		s.printf("%s\t%s\n", id, s.handles[id].Path())
	}

	return nil
}

func (s *Shell) cmdMkdir(args []string) error {
	return s.ok(s.fs.CreateDirAll(args[0]))
}

func (s *Shell) cmdRm(args []string) error {
	return s.ok(s.fs.RemoveFile(args[0]))
}

func (s *Shell) cmdRmdir(args []string) error {
	recursive := false
	if args[0] == "-r" {
		recursive = true
		args = args[1:]
	}

	if len(args) != 1 {
		return fmt.Errorf("%w: rmdir [-r] <path>", errUsage)
	}

	return s.ok(s.fs.RemoveDir(args[0], recursive))
}

func (s *Shell) cmdMv(args []string) error {
	return s.ok(s.fs.Rename(args[0], args[1]))
}

func (s *Shell) cmdSyncDir(args []string) error {
	return s.ok(s.fs.SyncDirectory(args[0]))
}

func (s *Shell) ok(err error) error {
	if err != nil {
		return err
	}

	s.printf("ok\n")

	return nil
}

func (s *Shell) cmdLs(args []string) error {
	p := "/"
	if len(args) > 0 {
		p = args[0]
	}

	names, err := s.fs.List(p)
	if err != nil {
		return err
	}

	for _, name := range names {
		s.printf("%s\n", name)
	}

	return nil
}

func (s *Shell) cmdExists(args []string) error {
	ok, err := s.fs.Exists(args[0])
	if err != nil {
		return err
	}

	s.printf("%v\n", ok)

	return nil
}

func (s *Shell) cmdUsage(args []string) error {
	p := "/"
	if len(args) > 0 {
		p = args[0]
	}

	n, err := s.fs.Usage(p)
	if err != nil {
		return err
	}

	s.printf("%s (%d bytes)\n", humanize.IBytes(uint64(n)), n)

	return nil
}

type lockStater interface {
	LockState(path string) (vfs.LockState, error)
}

func (s *Shell) cmdLockState(args []string) error {
	ls, ok := s.inner.(lockStater)
	if !ok {
		return errNoLockState
	}

	st, err := ls.LockState(args[0])
	if err != nil {
		return err
	}

	if st.Mode == 0 {
		s.printf("unlocked\n")

		return nil
	}

	s.printf("%s (%d holders)\n", st.Mode, st.Holders)

	return nil
}

func (s *Shell) cmdCrash([]string) error {
	if s.mem == nil {
		return errNotMemory
	}

	s.mem.SimulateCrash()

	// Pre-crash handles fail with ErrCrashed; drop them.
	n := len(s.handles)
	clear(s.handles)

	s.printf("crashed (%d handles invalidated)\n", n)

	return nil
}

func (s *Shell) addFault(spec string) (vfs.RuleID, error) {
	r, err := parseFault(spec)
	if err != nil {
		return 0, err
	}

	return s.fs.AddRule(r)
}

func (s *Shell) cmdFault(args []string) error {
	id, err := s.addFault(strings.Join(args, " "))
	if err != nil {
		return err
	}

	s.printf("rule %d\n", id)

	return nil
}

func (s *Shell) cmdFaults([]string) error {
	for _, info := range s.fs.Rules() {
		s.printf("%d\t%s\tmatched=%d fired=%d\n", info.ID, formatRule(info.Rule), info.Matched, info.Fired)
	}

	return nil
}

func (s *Shell) cmdUnfault(args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("rule id: %w", err)
	}

	if !s.fs.RemoveRule(vfs.RuleID(id)) {
		return fmt.Errorf("no rule %d", id)
	}

	s.printf("ok\n")

	return nil
}

func (s *Shell) cmdClearFaults([]string) error {
	s.fs.ClearRules()
	s.printf("ok\n")

	return nil
}

func (s *Shell) cmdFaultMode(args []string) error {
	switch args[0] {
	case "on":
		s.fs.SetMode(vfs.FaultModeActive)
	case "off":
		s.fs.SetMode(vfs.FaultModeNoOp)
	default:
		return fmt.Errorf("%w: faultmode on|off", errUsage)
	}

	s.printf("ok\n")

	return nil
}

func (s *Shell) cmdStats([]string) error {
	st := s.fs.Stats()

	rows := []struct {
		name string
		n    int64
	}{
		{"read", st.ReadFails},
		{"write", st.WriteFails},
		{"sync", st.SyncFails},
		{"open", st.OpenFails},
		{"rename", st.RenameFails},
		{"remove", st.RemoveFails},
		{"lock", st.LockFails},
		{"setlen", st.SetLenFails},
		{"quota", st.QuotaRejections},
		{"badregion", st.BadRegionHits},
		{"torn", st.TornWrites},
	}

	for _, r := range rows {
		s.printf("%-10s %s\n", r.name, humanize.Comma(r.n))
	}

	return nil
}

func (s *Shell) cmdHelp(args []string) error {
	if len(args) > 0 && args[0] == "fault" {
		s.printf("%s\n", faultHelp)

		return nil
	}

	s.printf("Commands:\n")

	for _, c := range commands {
		s.printf("  %-28s %s\n", c.usage, c.short)
	}

	return nil
}

const faultHelp = `Fault rules (path "*" matches every file):
  error <op> <path> <kind>        ops: read write sync open rename remove lock setlen
                                  kinds: not_found already_exists permission_denied
                                         would_block invalid_path storage_full
                                         unexpected_failure
  quota <scope> <size>            cap bytes stored under scope, e.g. quota / 64KiB
  badregion <path> <start> <end>  fail I/O touching [start, end)
  torn <path> <keep>              persist only the first keep bytes of a write
Modifiers: after=N times=N rate=F prefix`

// describeError renders err with its kind, marking injected faults.
func describeError(err error) string {
	if errors.Is(err, ErrQuit) {
		return ""
	}

	var e *vfs.Error
	if !errors.As(err, &e) {
		return err.Error()
	}

	msg := fmt.Sprintf("%v [%s]", err, vfs.KindOf(err))
	if vfs.IsInjected(err) {
		msg += " (injected)"
	}

	return msg
}
