// Package storage implements per-tenant encrypted file storage: sandboxed
// path resolution, content encryption, quota accounting and the gateway
// that combines them.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/filehaven/filehaven/internal/logging/audit"
	"github.com/filehaven/filehaven/internal/tenant"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog/log"
)

// tempPrefix marks in-flight upload files. Names with this prefix are
// hidden from listings and rejected as user-supplied names.
const tempPrefix = ".fh-upload-"

// Kind restricts an operation to files or folders.
type Kind int

const (
	KindAny Kind = iota
	KindFile
	KindFolder
)

func (k Kind) matches(isDir bool) bool {
	switch k {
	case KindFile:
		return !isDir
	case KindFolder:
		return isDir
	default:
		return true
	}
}

// FileInfo describes a stored file.
// Size is the plaintext length recorded in the blob header; StoredSize is
// the on-disk (encrypted) length.
type FileInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	StoredSize int64     `json:"stored_size"`
	ModTime    time.Time `json:"modified"`
}

// FolderInfo describes a stored folder.
type FolderInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	ModTime time.Time `json:"modified"`
}

// Listing holds the immediate children of a folder, each group sorted by name.
type Listing struct {
	Path    string       `json:"path"`
	Files   []FileInfo   `json:"files"`
	Folders []FolderInfo `json:"folders"`
}

// Stats summarizes a tenant's tree and quota.
type Stats struct {
	TotalFiles   int64  `json:"total_files"`
	TotalFolders int64  `json:"total_folders"`
	UsedBytes    int64  `json:"used_storage_bytes"`
	LimitBytes   int64  `json:"plan_storage_limit_bytes"`
	PlanName     string `json:"plan_name"`
}

// Download is decrypted file content held in a transient buffer. Close
// wipes the buffer; callers must close it once the response is sent.
type Download struct {
	Name    string
	Size    int64
	ModTime time.Time
	*bytes.Reader

	buf []byte
}

// Close zeroes the plaintext buffer.
func (d *Download) Close() error {
	for i := range d.buf {
		d.buf[i] = 0
	}
	d.buf = nil
	d.Reader = bytes.NewReader(nil)
	return nil
}

// Options configures a Gateway.
type Options struct {
	MaxUpload int64 // 0 = no cap beyond the quota
	Metrics   *Metrics
	Audit     *audit.Logger
}

// Gateway is the entry point for tenant file operations. Every call takes
// the tenant explicitly; it never reads identity from ambient state.
//
// Layout on fs: /{tenant_id}/... mirrors the tenant's visible tree, every
// regular file a sealed blob under its original name.
type Gateway struct {
	fs        billy.Filesystem
	cipher    *Cipher
	ledger    *Ledger
	maxUpload int64
	metrics   *Metrics
	audit     *audit.Logger

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// NewGateway creates a gateway over fs, which should be rooted at the
// storage root.
func NewGateway(fs billy.Filesystem, cipher *Cipher, ledger *Ledger, opts Options) *Gateway {
	if opts.Audit == nil {
		opts.Audit = audit.NewLogger(log.Logger)
	}
	return &Gateway{
		fs:        fs,
		cipher:    cipher,
		ledger:    ledger,
		maxUpload: opts.MaxUpload,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
		locks:     make(map[int64]*sync.Mutex),
	}
}

// Ledger returns the quota ledger.
func (g *Gateway) Ledger() *Ledger {
	return g.ledger
}

// lockTenant serializes mutations for one tenant and returns the unlock.
func (g *Gateway) lockTenant(id int64) func() {
	g.locksMu.Lock()
	mu, ok := g.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		g.locks[id] = mu
	}
	g.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// rootOf returns the tenant's root path without touching the filesystem.
func rootOf(t tenant.Tenant) (string, error) {
	if t.ID <= 0 {
		return "", fmt.Errorf("%w: invalid tenant id %d", ErrInvalidPath, t.ID)
	}
	return "/" + t.RootName(), nil
}

// tenantRoot returns the tenant's root, creating it on first access.
func (g *Gateway) tenantRoot(t tenant.Tenant) (string, error) {
	root, err := rootOf(t)
	if err != nil {
		return "", err
	}
	if err := g.fs.MkdirAll(root, 0o700); err != nil {
		return "", ioFailure("create tenant root", root, err)
	}
	return root, nil
}

// resolve wraps Resolve and audits escapes.
func (g *Gateway) resolve(t tenant.Tenant, op, root, relative string) (string, error) {
	p, err := Resolve(root, relative)
	if errors.Is(err, ErrPathEscape) {
		g.audit.LogPathEscape(t.ID, op, relative)
	}
	return p, err
}

func (g *Gateway) resolveChild(t tenant.Tenant, op, root, parent, name string) (string, error) {
	p, err := ResolveChild(root, parent, name)
	if errors.Is(err, ErrPathEscape) {
		g.audit.LogPathEscape(t.ID, op, name)
	}
	return p, err
}

// stat returns ErrNotFound for missing paths.
func (g *Gateway) stat(p string) (os.FileInfo, error) {
	info, err := g.fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path.Base(p))
		}
		return nil, ioFailure("stat", p, err)
	}
	return info, nil
}

func (g *Gateway) observe(op string, start time.Time, err error) {
	g.metrics.RecordOperation(op, err, time.Since(start).Seconds())
}

// relPath converts an absolute fs path back to the tenant-visible form.
func relPath(root, p string) string {
	rel := strings.TrimPrefix(p, root)
	if rel == "" {
		return "/"
	}
	return rel
}

// Upload stores content as name inside folder, replacing any existing
// file of that name. Quota is reserved before anything is written; a
// replaced file only costs the growth in size.
func (g *Gateway) Upload(ctx context.Context, t tenant.Tenant, folder, name string, r io.Reader) (fi *FileInfo, err error) {
	start := time.Now()
	defer func() { g.observe("upload", start, err) }()

	root, err := rootOf(t)
	if err != nil {
		return nil, err
	}
	dir, err := g.resolve(t, "upload", root, folder)
	if err != nil {
		return nil, err
	}
	target, err := g.resolveChild(t, "upload", root, dir, name)
	if err != nil {
		return nil, err
	}

	data, err := g.readUpload(r)
	if err != nil {
		return nil, err
	}

	unlock := g.lockTenant(t.ID)
	defer unlock()

	if _, err := g.tenantRoot(t); err != nil {
		return nil, err
	}
	if info, err := g.stat(dir); err != nil {
		return nil, err
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a folder", ErrNotFound, relPath(root, dir))
	}

	var oldSize int64
	if info, err := g.fs.Stat(target); err == nil {
		if info.IsDir() {
			return nil, fmt.Errorf("%w: folder %s exists", ErrConflict, name)
		}
		oldSize = g.plaintextSize(target, info)
	}

	size := int64(len(data))
	delta := size - oldSize

	var res *Reservation
	if delta > 0 {
		if res, err = g.ledger.Reserve(ctx, t, delta); err != nil {
			g.audit.LogStorageOp(t.ID, "upload", relPath(root, target), audit.ResultDenied, err.Error())
			return nil, err
		}
	}

	blob, err := g.cipher.Seal(data)
	if err != nil {
		cancel(res)
		return nil, err
	}
	if err := g.writeAtomic(dir, target, blob); err != nil {
		cancel(res)
		return nil, err
	}

	fi = &FileInfo{
		Name:       name,
		Path:       relPath(root, target),
		Size:       size,
		StoredSize: int64(len(blob)),
		ModTime:    time.Now().UTC(),
	}
	g.metrics.recordUpload(size)
	g.audit.LogStorageOp(t.ID, "upload", fi.Path, audit.ResultAllowed, "")

	// The file is on disk; a failed usage write leaves it in place.
	switch {
	case res != nil:
		if err := res.Commit(ctx); err != nil {
			return fi, err
		}
	case delta < 0:
		if err := g.ledger.Release(ctx, t, -delta); err != nil {
			return fi, err
		}
	}
	return fi, nil
}

func cancel(res *Reservation) {
	if res != nil {
		res.Cancel()
	}
}

// readUpload reads the whole body, enforcing the upload cap.
func (g *Gateway) readUpload(r io.Reader) ([]byte, error) {
	if g.maxUpload <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, ioFailure("read upload", "", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, g.maxUpload+1))
	if err != nil {
		return nil, ioFailure("read upload", "", err)
	}
	if int64(len(data)) > g.maxUpload {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, g.maxUpload)
	}
	return data, nil
}

// writeAtomic writes blob to a temp file in dir and renames it over target,
// so readers never see a partial file. The temp file is removed on every
// failure path.
func (g *Gateway) writeAtomic(dir, target string, blob []byte) error {
	f, err := g.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return ioFailure("create temp file", dir, err)
	}
	tmpPath := path.Join(dir, path.Base(f.Name()))

	if _, err := f.Write(blob); err != nil {
		_ = f.Close()
		_ = g.fs.Remove(tmpPath)
		return ioFailure("write", target, err)
	}
	if err := f.Close(); err != nil {
		_ = g.fs.Remove(tmpPath)
		return ioFailure("close", target, err)
	}
	if err := g.fs.Rename(tmpPath, target); err != nil {
		_ = g.fs.Remove(tmpPath)
		return ioFailure("rename", target, err)
	}
	return nil
}

// plaintextSize returns a file's content size. Current blobs carry it in
// the header; legacy blobs are decrypted to measure them. If neither works
// the on-disk size is used.
func (g *Gateway) plaintextSize(p string, info os.FileInfo) int64 {
	f, err := g.fs.Open(p)
	if err != nil {
		return info.Size()
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, nonceOffset)
	n, _ := io.ReadFull(f, header)
	if size, ok := PlaintextSize(header[:n]); ok {
		return size
	}

	blob, err := util.ReadFile(g.fs, p)
	if err != nil {
		return info.Size()
	}
	plain, err := g.cipher.Open(blob)
	if err != nil {
		log.Debug().Err(err).Str("path", p).Msg("cannot measure blob, using stored size")
		return info.Size()
	}
	return int64(len(plain))
}

// Download decrypts a file into a transient buffer.
func (g *Gateway) Download(ctx context.Context, t tenant.Tenant, filePath string) (d *Download, err error) {
	start := time.Now()
	defer func() { g.observe("download", start, err) }()

	root, err := rootOf(t)
	if err != nil {
		return nil, err
	}
	target, err := g.resolve(t, "download", root, filePath)
	if err != nil {
		return nil, err
	}

	info, err := g.stat(target)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a folder", ErrNotFound, relPath(root, target))
	}

	blob, err := util.ReadFile(g.fs, target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath(root, target))
		}
		return nil, ioFailure("read", target, err)
	}
	plain, err := g.cipher.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", relPath(root, target), err)
	}

	g.metrics.recordDownload(int64(len(plain)))
	return &Download{
		Name:    path.Base(target),
		Size:    int64(len(plain)),
		ModTime: info.ModTime(),
		Reader:  bytes.NewReader(plain),
		buf:     plain,
	}, nil
}

// Rename gives an item a new name in the same folder. It never overwrites:
// an occupied destination is ErrConflict and both items are left as they were.
func (g *Gateway) Rename(ctx context.Context, t tenant.Tenant, itemPath, newName string, kind Kind) (newPath string, err error) {
	start := time.Now()
	defer func() { g.observe("rename", start, err) }()

	root, err := rootOf(t)
	if err != nil {
		return "", err
	}
	src, err := g.resolve(t, "rename", root, itemPath)
	if err != nil {
		return "", err
	}
	if src == root {
		return "", fmt.Errorf("%w: cannot rename the root folder", ErrInvalidPath)
	}
	dst, err := g.resolveChild(t, "rename", root, path.Dir(src), newName)
	if err != nil {
		return "", err
	}

	unlock := g.lockTenant(t.ID)
	defer unlock()

	info, err := g.stat(src)
	if err != nil {
		return "", err
	}
	if !kind.matches(info.IsDir()) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, relPath(root, src))
	}
	if _, err := g.fs.Stat(dst); err == nil {
		return "", fmt.Errorf("%w: %s", ErrConflict, newName)
	} else if !os.IsNotExist(err) {
		return "", ioFailure("stat", dst, err)
	}

	if err := g.fs.Rename(src, dst); err != nil {
		return "", ioFailure("rename", src, err)
	}
	newPath = relPath(root, dst)
	g.audit.LogStorageOp(t.ID, "rename", relPath(root, src), audit.ResultAllowed, "to "+newPath)
	return newPath, nil
}

// Delete removes a file, or a folder and everything below it, and releases
// the freed bytes. A folder delete that fails midway releases what was
// already removed and returns *PartialDeleteError; nothing is restored.
func (g *Gateway) Delete(ctx context.Context, t tenant.Tenant, itemPath string, kind Kind) (freed int64, err error) {
	start := time.Now()
	defer func() { g.observe("delete", start, err) }()

	root, err := rootOf(t)
	if err != nil {
		return 0, err
	}
	target, err := g.resolve(t, "delete", root, itemPath)
	if err != nil {
		return 0, err
	}
	if target == root {
		return 0, fmt.Errorf("%w: cannot delete the root folder", ErrInvalidPath)
	}

	unlock := g.lockTenant(t.ID)
	defer unlock()

	info, err := g.stat(target)
	if err != nil {
		return 0, err
	}
	if !kind.matches(info.IsDir()) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, relPath(root, target))
	}

	var opErr error
	if info.IsDir() {
		freed, opErr = g.removeTree(target)
		if opErr != nil {
			opErr = &PartialDeleteError{Path: relPath(root, target), Freed: freed, Err: opErr}
		}
	} else {
		size := g.plaintextSize(target, info)
		if err := g.fs.Remove(target); err != nil {
			opErr = ioFailure("remove", target, err)
		} else {
			freed = size
		}
	}

	if freed > 0 {
		g.metrics.recordRelease(freed)
		if err := g.ledger.Release(ctx, t, freed); err != nil && opErr == nil {
			opErr = err
		}
	}

	result := audit.ResultAllowed
	details := fmt.Sprintf("freed %d bytes", freed)
	if opErr != nil {
		result = audit.ResultFailed
		details = opErr.Error()
	}
	g.audit.LogStorageOp(t.ID, "delete", relPath(root, target), result, details)
	return freed, opErr
}

// removeTree deletes dir depth-first, children before parent, and returns
// the plaintext bytes freed. It stops at the first failure.
func (g *Gateway) removeTree(dir string) (int64, error) {
	entries, err := g.fs.ReadDir(dir)
	if err != nil {
		return 0, ioFailure("read dir", dir, err)
	}

	var freed int64
	for _, e := range entries {
		child := path.Join(dir, e.Name())
		if e.IsDir() {
			n, err := g.removeTree(child)
			freed += n
			if err != nil {
				return freed, err
			}
			continue
		}

		var size int64
		if !strings.HasPrefix(e.Name(), tempPrefix) {
			size = g.plaintextSize(child, e)
		}
		if err := g.fs.Remove(child); err != nil {
			return freed, ioFailure("remove", child, err)
		}
		freed += size
	}

	if err := g.fs.Remove(dir); err != nil {
		return freed, ioFailure("remove", dir, err)
	}
	return freed, nil
}

// CreateFolder creates a folder and any missing parents. An existing file
// or folder at the path is ErrConflict.
func (g *Gateway) CreateFolder(ctx context.Context, t tenant.Tenant, folderPath string) (fi *FolderInfo, err error) {
	start := time.Now()
	defer func() { g.observe("create_folder", start, err) }()

	root, err := rootOf(t)
	if err != nil {
		return nil, err
	}
	target, err := g.resolve(t, "create_folder", root, folderPath)
	if err != nil {
		return nil, err
	}
	if target == root {
		return nil, fmt.Errorf("%w: root folder exists", ErrConflict)
	}
	for _, seg := range strings.Split(strings.TrimPrefix(relPath(root, target), "/"), "/") {
		if strings.HasPrefix(seg, tempPrefix) {
			return nil, fmt.Errorf("%w: name %q uses a reserved prefix", ErrInvalidPath, seg)
		}
	}

	unlock := g.lockTenant(t.ID)
	defer unlock()

	if _, err := g.tenantRoot(t); err != nil {
		return nil, err
	}
	if _, err := g.fs.Stat(target); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrConflict, relPath(root, target))
	} else if !os.IsNotExist(err) {
		return nil, ioFailure("stat", target, err)
	}
	if err := g.fs.MkdirAll(target, 0o700); err != nil {
		return nil, ioFailure("mkdir", target, err)
	}

	fi = &FolderInfo{Name: path.Base(target), Path: relPath(root, target), ModTime: time.Now().UTC()}
	g.audit.LogStorageOp(t.ID, "create_folder", fi.Path, audit.ResultAllowed, "")
	return fi, nil
}

// ListFolder returns the immediate children of a folder.
func (g *Gateway) ListFolder(ctx context.Context, t tenant.Tenant, folderPath string) (l *Listing, err error) {
	start := time.Now()
	defer func() { g.observe("list", start, err) }()

	root, err := rootOf(t)
	if err != nil {
		return nil, err
	}
	dir, err := g.resolve(t, "list", root, folderPath)
	if err != nil {
		return nil, err
	}
	if dir == root {
		if _, err := g.tenantRoot(t); err != nil {
			return nil, err
		}
	}

	info, err := g.stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a folder", ErrNotFound, relPath(root, dir))
	}

	entries, err := g.fs.ReadDir(dir)
	if err != nil {
		return nil, ioFailure("read dir", dir, err)
	}

	l = &Listing{Path: relPath(root, dir), Files: []FileInfo{}, Folders: []FolderInfo{}}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		child := path.Join(dir, e.Name())
		if e.IsDir() {
			l.Folders = append(l.Folders, FolderInfo{Name: e.Name(), Path: relPath(root, child), ModTime: e.ModTime()})
			continue
		}
		l.Files = append(l.Files, FileInfo{
			Name:       e.Name(),
			Path:       relPath(root, child),
			Size:       g.plaintextSize(child, e),
			StoredSize: e.Size(),
			ModTime:    e.ModTime(),
		})
	}
	sort.Slice(l.Files, func(i, j int) bool { return l.Files[i].Name < l.Files[j].Name })
	sort.Slice(l.Folders, func(i, j int) bool { return l.Folders[i].Name < l.Folders[j].Name })
	return l, nil
}

// Usage is the result of walking a tenant tree.
type Usage struct {
	Files   int64
	Folders int64
	Bytes   int64 // plaintext bytes
}

// Measure walks the tenant tree counting files, folders and plaintext bytes.
func (g *Gateway) Measure(ctx context.Context, t tenant.Tenant) (*Usage, error) {
	root, err := g.tenantRoot(t)
	if err != nil {
		return nil, err
	}
	u := &Usage{}
	if err := g.measure(ctx, root, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (g *Gateway) measure(ctx context.Context, dir string, u *Usage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := g.fs.ReadDir(dir)
	if err != nil {
		return ioFailure("read dir", dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		child := path.Join(dir, e.Name())
		if e.IsDir() {
			u.Folders++
			if err := g.measure(ctx, child, u); err != nil {
				return err
			}
			continue
		}
		u.Files++
		u.Bytes += g.plaintextSize(child, e)
	}
	return nil
}

// Stats returns recursive counts plus the tenant's quota position.
func (g *Gateway) Stats(ctx context.Context, t tenant.Tenant) (s *Stats, err error) {
	start := time.Now()
	defer func() { g.observe("stats", start, err) }()

	u, err := g.Measure(ctx, t)
	if err != nil {
		return nil, err
	}
	return &Stats{
		TotalFiles:   u.Files,
		TotalFolders: u.Folders,
		UsedBytes:    g.ledger.Usage(ctx, t),
		LimitBytes:   PlanLimit(t.Plan),
		PlanName:     t.Plan.Name,
	}, nil
}

// Reconcile recomputes a tenant's used bytes from disk and persists it,
// replacing whatever the counter held.
func (g *Gateway) Reconcile(ctx context.Context, t tenant.Tenant) (int64, error) {
	unlock := g.lockTenant(t.ID)
	defer unlock()

	u, err := g.Measure(ctx, t)
	if err != nil {
		return 0, err
	}
	if err := g.ledger.Set(ctx, t, u.Bytes); err != nil {
		return u.Bytes, err
	}
	g.audit.LogTenantMgmt("reconcile_usage", t.ID, fmt.Sprintf("used_bytes=%d", u.Bytes))
	return u.Bytes, nil
}
