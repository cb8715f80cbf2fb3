package vfs

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	atomicfile "github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

// DiskConfig configures a [Disk] manager.
type DiskConfig struct {
	// FilePerm is the mode for created files. Defaults to 0o644.
	FilePerm os.FileMode
	// DirPerm is the mode for created directories. Defaults to 0o755.
	DirPerm os.FileMode
	// Logger receives shutdown events. Nil discards them.
	Logger *slog.Logger
}

// Disk is a [Manager] backed by the host filesystem beneath a root
// directory. Contract paths such as "/wal/0001" map to root/wal/0001; ".."
// is resolved lexically and cannot escape the root.
//
// Locks are visible across processes: [File.TryLock] takes flock(2) on the
// handle's descriptor in addition to the in-process lock table. This
// implementation is Unix-only.
type Disk struct {
	root     string
	filePerm os.FileMode
	dirPerm  os.FileMode
	locks    *lockTable
	logger   *slog.Logger

	shutdown atomic.Bool

	orphanMu sync.Mutex
	orphans  map[uint64]*diskFile // closed handles whose descriptor keeps a lock
}

var _ Manager = (*Disk)(nil)

// NewDisk returns a [Disk] rooted at root, which must be an existing
// directory.
func NewDisk(root string) (*Disk, error) {
	return NewDiskWithConfig(root, DiskConfig{})
}

// NewDiskWithConfig is [NewDisk] with explicit configuration.
func NewDiskWithConfig(root string, cfg DiskConfig) (*Disk, error) {
	if root == "" {
		return nil, errors.New("vfs: disk root is empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("vfs: resolving disk root: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("vfs: disk root: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("vfs: disk root %q is not a directory", abs)
	}

	if cfg.FilePerm == 0 {
		cfg.FilePerm = 0o644
	}

	if cfg.DirPerm == 0 {
		cfg.DirPerm = 0o755
	}

	return &Disk{
		root:     abs,
		filePerm: cfg.FilePerm,
		dirPerm:  cfg.DirPerm,
		locks:    newLockTable(),
		logger:   loggerOrDiscard(cfg.Logger),
		orphans:  make(map[uint64]*diskFile),
	}, nil
}

// Root returns the host directory the manager is rooted at.
func (d *Disk) Root() string { return d.root }

// HostPath returns the host path for a contract path.
func (d *Disk) HostPath(path string) (string, error) {
	clean, err := cleanPath("hostpath", path)
	if err != nil {
		return "", err
	}

	return d.host(clean), nil
}

func (d *Disk) host(clean string) string {
	return filepath.Join(d.root, filepath.FromSlash(clean))
}

// begin canonicalizes path and rejects calls after Shutdown.
func (d *Disk) begin(op, path string) (string, error) {
	clean, err := cleanPath(op, path)
	if err != nil {
		return "", err
	}

	if d.shutdown.Load() {
		return "", newError(op, clean, KindUnexpectedFailure, ErrShutdown)
	}

	return clean, nil
}

// Open implements [Manager].
func (d *Disk) Open(path string, opts OpenOptions) (File, error) {
	const op = "open"

	clean, err := d.begin(op, path)
	if err != nil {
		return nil, err
	}

	if err := opts.validate(clean); err != nil {
		return nil, err
	}

	if clean == "/" {
		return nil, newError(op, clean, KindInvalidPath, errors.New("is a directory"))
	}

	f, err := os.OpenFile(d.host(clean), openFlags(opts), d.filePerm)
	if err != nil {
		return nil, diskError(op, clean, err)
	}

	// O_RDONLY on a directory succeeds on Linux.
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, diskError(op, clean, err)
	}

	if info.IsDir() {
		_ = f.Close()

		return nil, newError(op, clean, KindInvalidPath, errors.New("is a directory"))
	}

	return d.newHandle(f, info, clean, opts.Read, opts.Write), nil
}

func (d *Disk) newHandle(f *os.File, info os.FileInfo, clean string, read, write bool) *diskFile {
	return &diskFile{d: d, f: f, path: clean, key: fileKey(info), id: nextHandleID(), read: read, write: write}
}

func openFlags(opts OpenOptions) int {
	var flag int

	switch {
	case opts.Read && opts.Write:
		flag = os.O_RDWR
	case opts.Write:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}

	if opts.create() {
		flag |= os.O_CREATE
	}

	if opts.CreateNew {
		flag |= os.O_EXCL
	}

	if opts.Truncate {
		flag |= os.O_TRUNC
	}

	return flag | unix.O_CLOEXEC
}

// CreateDirAll implements [Manager].
func (d *Disk) CreateDirAll(path string) error {
	const op = "mkdir"

	clean, err := d.begin(op, path)
	if err != nil {
		return err
	}

	return diskError(op, clean, os.MkdirAll(d.host(clean), d.dirPerm))
}

// RemoveFile implements [Manager].
func (d *Disk) RemoveFile(path string) error {
	const op = "remove"

	clean, err := d.begin(op, path)
	if err != nil {
		return err
	}

	if clean == "/" {
		return newError(op, clean, KindPermissionDenied, errors.New("operation not permitted on root"))
	}

	host := d.host(clean)

	info, err := os.Lstat(host)
	if err != nil {
		return diskError(op, clean, err)
	}

	if info.IsDir() {
		return newError(op, clean, KindInvalidPath, errors.New("is a directory"))
	}

	return diskError(op, clean, os.Remove(host))
}

// RemoveDir implements [Manager].
func (d *Disk) RemoveDir(path string, recursive bool) error {
	const op = "rmdir"

	clean, err := d.begin(op, path)
	if err != nil {
		return err
	}

	if clean == "/" {
		return newError(op, clean, KindPermissionDenied, errors.New("operation not permitted on root"))
	}

	host := d.host(clean)

	info, err := os.Lstat(host)
	if err != nil {
		return diskError(op, clean, err)
	}

	if !info.IsDir() {
		return newError(op, clean, KindInvalidPath, errors.New("not a directory"))
	}

	if recursive {
		return diskError(op, clean, os.RemoveAll(host))
	}

	return diskError(op, clean, os.Remove(host))
}

// Rename implements [Manager]. File replacement goes through
// [atomicfile.ReplaceFile].
func (d *Disk) Rename(from, to string) error {
	const op = "rename"

	src, err := d.begin(op, from)
	if err != nil {
		return err
	}

	dst, err := cleanPath(op, to)
	if err != nil {
		return err
	}

	if src == "/" || dst == "/" {
		return newError(op, src, KindPermissionDenied, errors.New("operation not permitted on root"))
	}

	srcHost, dstHost := d.host(src), d.host(dst)

	srcInfo, err := os.Lstat(srcHost)
	if err != nil {
		return diskError(op, src, err)
	}

	if src == dst {
		return nil
	}

	if srcInfo.IsDir() && isWithin(dst, src) {
		return newError(op, dst, KindInvalidPath, errors.New("cannot move a directory into itself"))
	}

	dstInfo, err := os.Lstat(dstHost)

	switch {
	case err == nil && srcInfo.IsDir() && !dstInfo.IsDir():
		return newError(op, dst, KindInvalidPath, errors.New("cannot replace a file with a directory"))
	case err == nil && !srcInfo.IsDir() && dstInfo.IsDir():
		return newError(op, dst, KindInvalidPath, errors.New("cannot replace a directory with a file"))
	case err != nil && !errors.Is(err, iofs.ErrNotExist):
		return diskError(op, dst, err)
	}

	if srcInfo.IsDir() {
		return diskError(op, dst, os.Rename(srcHost, dstHost))
	}

	return diskError(op, dst, atomicfile.ReplaceFile(srcHost, dstHost))
}

// Exists implements [Manager].
func (d *Disk) Exists(path string) (bool, error) {
	const op = "exists"

	clean, err := d.begin(op, path)
	if err != nil {
		return false, err
	}

	_, err = os.Lstat(d.host(clean))

	switch {
	case err == nil:
		return true, nil
	case isNotExist(err):
		return false, nil
	default:
		return false, diskError(op, clean, err)
	}
}

// SyncDirectory implements [Manager]. It fsyncs the directory so that
// entries created, removed or renamed in it survive power loss.
func (d *Disk) SyncDirectory(path string) error {
	const op = "syncdir"

	clean, err := d.begin(op, path)
	if err != nil {
		return err
	}

	dir, err := os.Open(d.host(clean))
	if err != nil {
		return diskError(op, clean, err)
	}

	info, err := dir.Stat()
	if err == nil && !info.IsDir() {
		err = unix.ENOTDIR
	}

	if err == nil {
		err = retryEINTR(dir.Sync)
	}

	closeErr := dir.Close()
	if err != nil {
		return diskError(op, clean, err)
	}

	return diskError(op, clean, closeErr)
}

// List implements [Manager].
func (d *Disk) List(path string) ([]string, error) {
	const op = "list"

	clean, err := d.begin(op, path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(d.host(clean))
	if err != nil {
		return nil, diskError(op, clean, err)
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}

	return names, nil
}

// Usage implements [Manager].
func (d *Disk) Usage(path string) (int64, error) {
	const op = "usage"

	clean, err := d.begin(op, path)
	if err != nil {
		return 0, err
	}

	var total int64

	err = filepath.WalkDir(d.host(clean), func(_ string, entry iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !entry.Type().IsRegular() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		total += info.Size()

		return nil
	})
	if err != nil {
		return 0, diskError(op, clean, err)
	}

	return total, nil
}

// LockState reports the advisory lock this manager holds on the file at
// path. A missing file is unlocked.
func (d *Disk) LockState(path string) (LockState, error) {
	const op = "lockstate"

	clean, err := cleanPath(op, path)
	if err != nil {
		return LockState{}, err
	}

	info, err := os.Stat(d.host(clean))
	if err != nil {
		if isNotExist(err) {
			return LockState{}, nil
		}

		return LockState{}, diskError(op, clean, err)
	}

	return d.locks.state(fileKey(info)), nil
}

// Shutdown implements [Manager]. Descriptors kept open by closed handles
// that still held a lock are unlocked and closed.
func (d *Disk) Shutdown() error {
	if d.shutdown.Swap(true) {
		return nil
	}

	d.orphanMu.Lock()
	parked := make([]*diskFile, 0, len(d.orphans))
	for _, f := range d.orphans {
		parked = append(parked, f)
	}
	clear(d.orphans)
	d.orphanMu.Unlock()

	var errs []error

	for _, f := range parked {
		errs = append(errs, f.release())
	}

	if len(parked) > 0 {
		d.logger.Warn("vfs: released locks held by closed handles", "backend", "disk", "count", len(parked))
	}

	return errors.Join(errs...)
}

func (d *Disk) park(f *diskFile) {
	d.orphanMu.Lock()
	d.orphans[f.id] = f
	d.orphanMu.Unlock()
}

func (d *Disk) unpark(id uint64) {
	d.orphanMu.Lock()
	delete(d.orphans, id)
	d.orphanMu.Unlock()
}
