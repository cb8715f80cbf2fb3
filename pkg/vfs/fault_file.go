package vfs

import "fmt"

// faultyFile applies a [Faulty] manager's rules to one handle.
type faultyFile struct {
	f     *Faulty
	inner File
	path  string
}

var _ File = (*faultyFile)(nil)

func (ff *faultyFile) Path() string { return ff.path }

// badRegion returns an injected error if [off, off+n) touches a bad region.
func (ff *faultyFile) badRegion(op string, off, n int64) error {
	r, ok := ff.f.firstFiring(RuleBadRegion, ff.path, func(s *ruleState) bool { return s.overlaps(off, n) })
	if !ok {
		return nil
	}

	ff.f.badRegionHits.Add(1)
	ff.f.logger.Debug("vfs: bad region hit", "op", op, "path", ff.path, "off", off, "len", n,
		"start", r.Start, "end", r.End)

	return injectedRange(op, ff.path, off, n, r.Kind, fmt.Sprintf("bad region [%d,%d)", r.Start, r.End))
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	const op = "read"

	if err := ff.f.injectOp(OpRead, op, ff.path); err != nil {
		return 0, asRange(err, off, int64(len(p)))
	}

	if off >= 0 {
		if err := ff.badRegion(op, off, int64(len(p))); err != nil {
			return 0, err
		}
	}

	return ff.inner.ReadAt(p, off)
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	const op = "write"

	n := int64(len(p))

	if err := ff.f.injectOp(OpWrite, op, ff.path); err != nil {
		return 0, asRange(err, off, n)
	}

	if off < 0 {
		return ff.inner.WriteAt(p, off)
	}

	if err := ff.badRegion(op, off, n); err != nil {
		return 0, err
	}

	if quotas := ff.f.quotaScopes(ff.path); len(quotas) > 0 {
		ff.f.quotaMu.Lock()
		defer ff.f.quotaMu.Unlock()

		cur, err := ff.inner.Len()
		if err != nil {
			return 0, err
		}

		if err := ff.f.checkQuota(op, ff.path, off, n, off+n-cur, quotas); err != nil {
			return 0, err
		}
	}

	keepsLess := func(s *ruleState) bool { return s.rule.Keep < n }
	if r, ok := ff.f.firstFiring(RuleTornWrite, ff.path, keepsLess); ok {
		return ff.tornWrite(p, off, r)
	}

	return ff.inner.WriteAt(p, off)
}

func (ff *faultyFile) tornWrite(p []byte, off int64, r Rule) (int, error) {
	const op = "write"

	written, err := ff.inner.WriteAt(p[:r.Keep], off)
	if err != nil {
		return written, err
	}

	ff.f.tornWrites.Add(1)
	ff.f.logger.Debug("vfs: torn write", "path", ff.path, "off", off, "len", len(p), "kept", written)

	return written, injectedRange(op, ff.path, off, int64(len(p)), r.Kind,
		fmt.Sprintf("torn write kept %d of %d bytes", written, len(p)))
}

func (ff *faultyFile) Len() (int64, error) { return ff.inner.Len() }

func (ff *faultyFile) SetLen(size int64) error {
	const op = "setlen"

	if err := ff.f.injectOp(OpSetLen, op, ff.path); err != nil {
		return asRange(err, size, -1)
	}

	quotas := ff.f.quotaScopes(ff.path)
	if len(quotas) == 0 || size < 0 {
		return ff.inner.SetLen(size)
	}

	ff.f.quotaMu.Lock()
	defer ff.f.quotaMu.Unlock()

	cur, err := ff.inner.Len()
	if err != nil {
		return err
	}

	if err := ff.f.checkQuota(op, ff.path, size, -1, size-cur, quotas); err != nil {
		return err
	}

	return ff.inner.SetLen(size)
}

func (ff *faultyFile) SyncData() error {
	if err := ff.f.injectOp(OpSync, "syncdata", ff.path); err != nil {
		return err
	}

	return ff.inner.SyncData()
}

func (ff *faultyFile) SyncAll() error {
	if err := ff.f.injectOp(OpSync, "sync", ff.path); err != nil {
		return err
	}

	return ff.inner.SyncAll()
}

func (ff *faultyFile) TryLock(mode LockMode) error {
	if err := ff.f.injectOp(OpLock, "lock", ff.path); err != nil {
		return err
	}

	return ff.inner.TryLock(mode)
}

func (ff *faultyFile) Unlock() error { return ff.inner.Unlock() }

func (ff *faultyFile) Clone() (File, error) {
	inner, err := ff.inner.Clone()
	if err != nil {
		return nil, err
	}

	return &faultyFile{f: ff.f, inner: inner, path: ff.path}, nil
}

func (ff *faultyFile) Close() error { return ff.inner.Close() }

// asRange attaches the byte range to an injected *Error.
func asRange(err error, off, n int64) error {
	if e, ok := err.(*Error); ok {
		e.Offset, e.Length = off, n
	}

	return err
}
