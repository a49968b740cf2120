// Copyright 2025 CERN/Switzerland
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fs wires the kernel-facing FUSE entry points to the metadata
// cache and the capability store.
package fs

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"

	"github.com/cern-eos/eos-sub015/caps"
	"github.com/cern-eos/eos-sub015/clock"
	"github.com/cern-eos/eos-sub015/common"
	"github.com/cern-eos/eos-sub015/fusex"
	"github.com/cern-eos/eos-sub015/internal/logger"
	"github.com/cern-eos/eos-sub015/md"
)

// createQuotaHeadroom is the volume headroom a create insists on before
// touching the server, mirroring the 1 MiB guard of the original client.
const createQuotaHeadroom = 1 << 20

// deletedRetryLimit bounds how often a create re-looks-up a name whose
// previous incarnation is still being flushed out.
const deletedRetryLimit = 3

type ServerConfig struct {
	Cache  *md.Cache
	Caps   *caps.Store
	Clock  clock.Clock
	Notify md.KernelNotify
	Stats  *common.Stats
	Data   DataEngine

	// Ident is the mount identity attached to every request; per-request
	// credential resolution is the business of an external resolver.
	Ident fusex.Identity

	KernelCache       bool
	EnoentTimeout     time.Duration
	RenameIsSync      bool
	RmdirIsSync       bool
	FlushWaitOpen     bool
	FlushWaitOpenSize int64
}

// NewServer builds the FUSE server for one mount.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	fs, err := newFileSystem(cfg)
	if err != nil {
		return nil, err
	}
	return fuseutil.NewFileSystemServer(fs), nil
}

func newFileSystem(cfg *ServerConfig) (*fileSystem, error) {
	if cfg.Cache == nil || cfg.Caps == nil {
		return nil, fmt.Errorf("fs: cache and caps are required")
	}
	fs := &fileSystem{
		cache:   cfg.Cache,
		caps:    cfg.Caps,
		clk:     cfg.Clock,
		notify:  cfg.Notify,
		stats:   cfg.Stats,
		data:    cfg.Data,
		cfg:     cfg,
		handles: map[fuseops.HandleID]interface{}{},
	}
	if fs.clk == nil {
		fs.clk = clock.RealClock{}
	}
	if fs.notify == nil {
		fs.notify = md.NopKernelNotify{}
	}
	if fs.data == nil {
		fs.data = NullDataEngine{}
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	return fs, nil
}

// LOCK ORDERING
//
// The handle-table lock fs.mu is independent of the md table lock; neither
// is ever held while calling into the cache. Record locks follow the rules
// documented in package md.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	cache  *md.Cache
	caps   *caps.Store
	clk    clock.Clock
	notify md.KernelNotify
	stats  *common.Stats
	data   DataEngine
	cfg    *ServerConfig

	/////////////////////////
	// Mutable state
	/////////////////////////

	// mu guards the handle table.
	mu syncutil.InvariantMutex

	// INVARIANT: all values are *dirHandle or *fileHandle
	//
	// GUARDED_BY(mu)
	handles map[fuseops.HandleID]interface{}

	// INVARIANT: for all keys k in handles, k < nextHandleID
	//
	// GUARDED_BY(mu)
	nextHandleID fuseops.HandleID
}

// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) checkInvariants() {
	for id, h := range fs.handles {
		switch h.(type) {
		case *dirHandle, *fileHandle:
		default:
			panic(fmt.Sprintf("unexpected handle type %T", h))
		}
		if id >= fs.nextHandleID {
			panic(fmt.Sprintf("illegal handle ID: %v", id))
		}
	}
}

func (fs *fileSystem) ident(op fuseops.OpContext) fusex.Identity {
	id := fs.cfg.Ident
	id.Pid = op.Pid
	return id
}

// capError extracts the verdict of an Acquire.
func capError(c *caps.Cap) syscall.Errno {
	c.Lock()
	defer c.Unlock()
	return c.Errc
}

func capAuthID(c *caps.Cap) string {
	c.Lock()
	defer c.Unlock()
	return c.AuthID
}

// expirations computes the kernel entry/attr lifetimes from the cap lease.
func (fs *fileSystem) expirations(c *caps.Cap) time.Time {
	if !fs.cfg.KernelCache {
		return time.Time{}
	}
	c.Lock()
	defer c.Unlock()
	return fs.clk.Now().Add(c.Lifetime(fs.clk.Now()))
}

// convertAttributes renders a record into kernel attributes. Takes the
// record lock.
func convertAttributes(rec *md.Record) fuseops.InodeAttributes {
	rec.Lock()
	defer rec.Unlock()
	return convertAttributesLocked(rec)
}

// LOCKS_REQUIRED(rec)
func convertAttributesLocked(rec *md.Record) fuseops.InodeAttributes {
	nlink := rec.Nlink
	if nlink == 0 {
		nlink = 1
	}
	return fuseops.InodeAttributes{
		Size:  rec.Size,
		Nlink: uint32(nlink),
		Mode:  osMode(rec.Mode),
		Atime: time.Unix(rec.Atime.Sec, int64(rec.Atime.NSec)),
		Mtime: time.Unix(rec.Mtime.Sec, int64(rec.Mtime.NSec)),
		Ctime: time.Unix(rec.Ctime.Sec, int64(rec.Ctime.NSec)),
		Crtime: time.Unix(rec.Btime.Sec, int64(rec.Btime.NSec)),
		Uid:   rec.UID,
		Gid:   rec.GID,
	}
}

// osMode translates a syscall mode word into os.FileMode.
func osMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0o777)
	switch m & syscall.S_IFMT {
	case syscall.S_IFDIR:
		mode |= os.ModeDir
	case syscall.S_IFLNK:
		mode |= os.ModeSymlink
	case syscall.S_IFIFO:
		mode |= os.ModeNamedPipe
	case syscall.S_IFSOCK:
		mode |= os.ModeSocket
	case syscall.S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case syscall.S_IFBLK:
		mode |= os.ModeDevice
	}
	if m&syscall.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&syscall.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&syscall.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// syscallMode is the inverse of osMode for modes arriving from the kernel.
func syscallMode(m os.FileMode) uint32 {
	mode := uint32(m & os.ModePerm)
	switch {
	case m&os.ModeDir != 0:
		mode |= syscall.S_IFDIR
	case m&os.ModeSymlink != 0:
		mode |= syscall.S_IFLNK
	case m&os.ModeNamedPipe != 0:
		mode |= syscall.S_IFIFO
	case m&os.ModeSocket != 0:
		mode |= syscall.S_IFSOCK
	case m&os.ModeCharDevice != 0:
		mode |= syscall.S_IFCHR
	case m&os.ModeDevice != 0:
		mode |= syscall.S_IFBLK
	default:
		mode |= syscall.S_IFREG
	}
	if m&os.ModeSetuid != 0 {
		mode |= syscall.S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		mode |= syscall.S_ISGID
	}
	if m&os.ModeSticky != 0 {
		mode |= syscall.S_ISVTX
	}
	return mode
}

// invalEntryAsync fires a kernel dentry invalidation off the request
// goroutine; invalidations from the serving goroutine deadlock the kernel.
func (fs *fileSystem) invalEntryAsync(parent uint64, name string) {
	if !fs.cfg.KernelCache {
		return
	}
	go fs.notify.InvalEntry(parent, name)
}

func (fs *fileSystem) invalInodeAsync(ino uint64, isFile bool) {
	if !fs.cfg.KernelCache {
		return
	}
	go fs.notify.InvalInode(ino, isFile)
}

////////////////////////////////////////////////////////////////////////
// Namespace ops
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	id := fs.ident(op.OpContext)

	rec, err := fs.cache.Lookup(ctx, id, uint64(op.Parent), op.Name)
	if err != nil {
		return err
	}

	if rec.ID == 0 || rec.Deleted() {
		// Remember the miss on the parent; the next lookup under a cap is
		// answered locally.
		if pmd := fs.cache.GetLocal(uint64(op.Parent)); pmd != nil {
			pmd.Lock()
			pmd.LocalEnoent[op.Name] = struct{}{}
			pmd.Unlock()
		}
		return syscall.ENOENT
	}

	// Lookups have traditionally not enforced a particular mode.
	pcap := fs.caps.Acquire(ctx, id, uint64(op.Parent), 0)
	expiry := fs.expirations(pcap)

	rec.Lock()
	if rec.Err != 0 {
		errc := rec.Err
		rec.Unlock()
		return errc
	}
	rec.LookupInc()
	op.Entry = fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(rec.ID),
		Attributes:           convertAttributesLocked(rec),
		AttributesExpiration: expiry,
		EntryExpiration:      expiry,
	}
	rec.Unlock()
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	id := fs.ident(op.OpContext)

	rec, err := fs.cache.Get(ctx, id, uint64(op.Inode), false)
	if err != nil {
		return err
	}
	if rec.ID != uint64(op.Inode) || rec.Deleted() {
		return syscall.ENOENT
	}

	pcap := fs.caps.Acquire(ctx, id, parentOf(rec), 0)
	op.Attributes = convertAttributes(rec)
	op.AttributesExpiration = fs.expirations(pcap)
	return nil
}

func parentOf(rec *md.Record) uint64 {
	rec.Lock()
	defer rec.Unlock()
	if rec.ParentID != 0 {
		return rec.ParentID
	}
	return md.RootIno
}

func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	id := fs.ident(op.OpContext)

	rec, err := fs.cache.Get(ctx, id, uint64(op.Inode), false)
	if err != nil {
		return err
	}
	if rec.ID != uint64(op.Inode) || rec.Deleted() {
		return syscall.ENOENT
	}

	mode := caps.W_OK
	if op.Mode != nil {
		mode |= caps.M_OK
	}
	pcap := fs.caps.Acquire(ctx, id, parentOf(rec), mode)
	if errc := capError(pcap); errc != 0 {
		return errc
	}

	now := fs.clk.Now()
	rec.Lock()
	if op.Size != nil {
		rec.Size = *op.Size
	}
	if op.Mode != nil {
		rec.Mode = rec.Mode&syscall.S_IFMT | syscallMode(*op.Mode)&^uint32(syscall.S_IFMT)
	}
	if op.Atime != nil {
		rec.Atime = fusex.Timespec{Sec: op.Atime.Unix(), NSec: int32(op.Atime.Nanosecond())}
	}
	if op.Mtime != nil {
		rec.Mtime = fusex.Timespec{Sec: op.Mtime.Unix(), NSec: int32(op.Mtime.Nanosecond())}
	}
	rec.Ctime = fusex.Timespec{Sec: now.Unix(), NSec: int32(now.Nanosecond())}
	attrs := convertAttributesLocked(rec)
	rec.Unlock()

	fs.cache.Update(rec, capAuthID(pcap), false)

	op.Attributes = attrs
	op.AttributesExpiration = fs.expirations(pcap)
	return nil
}

func (fs *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	// EAGAIN means the flush queue still owns the record; the kernel does
	// not retry forgets, the record falls out once the queue drains.
	if err := fs.cache.Forget(uint64(op.Inode), op.N); err != nil && err != syscall.EAGAIN {
		logger.Debugf("fs: forget ino=%#x: %v", op.Inode, err)
	}
	return nil
}

func (fs *fileSystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	for _, e := range op.Entries {
		if err := fs.cache.Forget(uint64(e.Inode), e.N); err != nil && err != syscall.EAGAIN {
			logger.Debugf("fs: batch forget ino=%#x: %v", e.Inode, err)
		}
	}
	return nil
}

// createCommon implements create/mknod/mkdir/symlink. On success the new
// record has its lookup count incremented and entry is filled from it.
func (fs *fileSystem) createCommon(
	ctx context.Context,
	opCtx fuseops.OpContext,
	parent fuseops.InodeID,
	name string,
	mode uint32,
	target string,
	entry *fuseops.ChildInodeEntry) error {
	id := fs.ident(opCtx)

	pcap := fs.caps.Acquire(ctx, id, uint64(parent), syscall.S_IFDIR|caps.W_OK)
	if errc := capError(pcap); errc != 0 {
		return errc
	}
	if !fs.caps.Quotas().Get(pcap).HasQuota(createQuotaHeadroom) {
		logger.Errorf("fs: quota-error: ino=%#x name=%q, no creation under %d quota headroom",
			parent, name, createQuotaHeadroom)
		return syscall.EDQUOT
	}

	rec, err := fs.cache.Lookup(ctx, id, uint64(parent), name)
	if err != nil {
		return err
	}
	pmd, err := fs.cache.Get(ctx, id, uint64(parent), false)
	if err != nil {
		return err
	}
	if pmd.ID != uint64(parent) {
		return syscall.ENOENT
	}

	// A create racing an unlink of the same name must wait until the
	// removal went upstream, or the server sees an add for a name it is
	// about to delete.
	pmd.Lock()
	delIno := pmd.ToDelete[name]
	pmd.Unlock()
	if delIno != 0 {
		if old := fs.cache.GetLocal(delIno); old != nil {
			if err := fs.cache.WaitFlush(ctx, old); err != nil {
				logger.Debugf("fs: create %q waited on deleted predecessor: %v", name, err)
			}
		}
	}

	for n := 0; rec.Deleted() && n < deletedRetryLimit; n++ {
		if err := fs.cache.WaitFlush(ctx, rec); err != nil {
			break
		}
		if rec, err = fs.cache.Lookup(ctx, id, uint64(parent), name); err != nil {
			return err
		}
	}

	if rec.ID != 0 || rec.Deleted() {
		return syscall.EEXIST
	}

	now := fs.clk.Now()
	rec = md.NewRecord(0)
	rec.Name = name
	rec.Mode = mode
	rec.Target = target
	pcap.Lock()
	rec.UID = pcap.UID
	rec.GID = pcap.GID
	authID := pcap.AuthID
	pcap.Unlock()
	rec.Nlink = 1
	rec.Type = md.TypeEXCL
	rec.Creator = true
	rec.StampTimes(now, true)

	fs.cache.Insert(rec)
	if err := fs.cache.AddSync(ctx, pmd, rec, authID); err != nil {
		return err
	}

	rec.Lock()
	rec.Type = md.TypeMD
	rec.Unlock()

	fs.caps.Quotas().Get(pcap).BookInode()

	// Directories get an implied cap so work underneath them does not
	// immediately round-trip for authorization.
	if mode&syscall.S_IFMT == syscall.S_IFDIR {
		fs.caps.Imply(pcap, uuid.NewString(), mode, rec.ID)
	}

	expiry := fs.expirations(pcap)
	rec.Lock()
	rec.LookupInc()
	*entry = fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(rec.ID),
		Attributes:           convertAttributesLocked(rec),
		AttributesExpiration: expiry,
		EntryExpiration:      expiry,
	}
	rec.Unlock()

	pmd.Lock()
	delete(pmd.LocalEnoent, name)
	pino := pmd.ID
	pmd.Unlock()

	// The parent mtime changed under the kernel's feet.
	fs.invalInodeAsync(pino, false)
	return nil
}

func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	mode := syscallMode(op.Mode) | syscall.S_IFDIR
	return fs.createCommon(ctx, op.OpContext, op.Parent, op.Name, mode, "", &op.Entry)
}

func (fs *fileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	mode := syscallMode(op.Mode)
	if mode&syscall.S_IFMT == 0 {
		mode |= syscall.S_IFREG
	}
	return fs.createCommon(ctx, op.OpContext, op.Parent, op.Name, mode, "", &op.Entry)
}

func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	mode := syscallMode(op.Mode)&^uint32(syscall.S_IFMT) | syscall.S_IFREG
	if err := fs.createCommon(ctx, op.OpContext, op.Parent, op.Name, mode, "", &op.Entry); err != nil {
		return err
	}

	id := fs.ident(op.OpContext)
	pcap := fs.caps.Acquire(ctx, id, uint64(op.Parent), 0)
	fs.caps.Quotas().Get(pcap).OpenWriter()

	op.Handle = fs.insertHandle(&fileHandle{ino: uint64(op.Entry.Child), cap: pcap, writer: true})
	fs.stats.OpenFilesInc()
	return nil
}

func (fs *fileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	mode := uint32(syscall.S_IFLNK | 0o777)
	return fs.createCommon(ctx, op.OpContext, op.Parent, op.Name, mode, op.Target, &op.Entry)
}

func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	id := fs.ident(op.OpContext)

	cap1 := fs.caps.Acquire(ctx, id, uint64(op.OldParent), syscall.S_IFDIR|caps.W_OK|caps.D_OK)
	if errc := capError(cap1); errc != 0 {
		return errc
	}
	cap2 := cap1
	if op.NewParent != op.OldParent {
		cap2 = fs.caps.Acquire(ctx, id, uint64(op.NewParent), syscall.S_IFDIR|caps.W_OK)
		if errc := capError(cap2); errc != 0 {
			return errc
		}
	}

	p1, err := fs.cache.Get(ctx, id, uint64(op.OldParent), false)
	if err != nil {
		return err
	}
	p2, err := fs.cache.Get(ctx, id, uint64(op.NewParent), false)
	if err != nil {
		return err
	}
	if p1.ID != uint64(op.OldParent) || p2.ID != uint64(op.NewParent) {
		return syscall.ENOENT
	}

	rec, err := fs.cache.Lookup(ctx, id, uint64(op.OldParent), op.OldName)
	if err != nil {
		return err
	}
	if rec.ID == 0 || rec.Deleted() {
		return syscall.ENOENT
	}

	// POSIX rename replaces an existing target.
	tgt, err := fs.cache.Lookup(ctx, id, uint64(op.NewParent), op.NewName)
	if err != nil {
		return err
	}
	if tgt.ID != 0 && !tgt.Deleted() {
		fs.cache.Remove(p2, tgt, capAuthID(cap2), true)
	}

	fs.cache.Mv(p1, p2, rec, op.NewName, capAuthID(cap1), capAuthID(cap2))

	if fs.cfg.RenameIsSync {
		if err := fs.cache.WaitFlush(ctx, rec); err != nil {
			return err
		}
	}

	fs.invalEntryAsync(p1.ID, op.OldName)
	return nil
}

func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	id := fs.ident(op.OpContext)

	pcap := fs.caps.Acquire(ctx, id, uint64(op.Parent), syscall.S_IFDIR|caps.W_OK|caps.D_OK)
	if errc := capError(pcap); errc != 0 {
		return errc
	}

	pmd, err := fs.cache.Get(ctx, id, uint64(op.Parent), false)
	if err != nil {
		return err
	}
	rec, err := fs.cache.Lookup(ctx, id, uint64(op.Parent), op.Name)
	if err != nil {
		return err
	}
	if rec.ID == 0 || rec.Deleted() {
		return syscall.ENOENT
	}

	fs.cache.Remove(pmd, rec, capAuthID(pcap), true)
	fs.caps.Quotas().Get(pcap).FreeInode()

	fs.invalEntryAsync(pmd.ID, op.Name)
	return nil
}

func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	id := fs.ident(op.OpContext)

	pcap := fs.caps.Acquire(ctx, id, uint64(op.Parent), syscall.S_IFDIR|caps.W_OK|caps.D_OK)
	if errc := capError(pcap); errc != 0 {
		return errc
	}

	pmd, err := fs.cache.Get(ctx, id, uint64(op.Parent), false)
	if err != nil {
		return err
	}
	rec, err := fs.cache.Lookup(ctx, id, uint64(op.Parent), op.Name)
	if err != nil {
		return err
	}
	if rec.ID == 0 || rec.Deleted() {
		return syscall.ENOENT
	}

	rec.Lock()
	isDir := rec.Mode&syscall.S_IFMT == syscall.S_IFDIR
	rec.Unlock()
	if !isDir {
		return syscall.ENOTDIR
	}

	// Emptiness is decided on a fresh listing, not on a stale cached one.
	refreshed, err := fs.cache.Get(ctx, id, rec.ID, true)
	if err != nil {
		return err
	}
	if refreshed.ID == rec.ID {
		rec = refreshed
	}
	rec.Lock()
	empty := len(rec.Children) == 0 && rec.NChildren == 0
	rec.Unlock()
	if !empty {
		return syscall.ENOTEMPTY
	}

	fs.cache.Remove(pmd, rec, capAuthID(pcap), true)
	fs.caps.Quotas().Get(pcap).FreeInode()

	if fs.cfg.RmdirIsSync {
		if err := fs.cache.WaitFlush(ctx, rec); err != nil {
			return err
		}
	}

	fs.invalEntryAsync(pmd.ID, op.Name)
	return nil
}

func (fs *fileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	rec := fs.cache.GetLocal(uint64(op.Inode))
	if rec == nil {
		return syscall.ENOENT
	}
	rec.Lock()
	defer rec.Unlock()
	if rec.Mode&syscall.S_IFMT != syscall.S_IFLNK {
		return syscall.EINVAL
	}
	op.Target = rec.Target
	return nil
}

////////////////////////////////////////////////////////////////////////
// Extended attributes
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	rec := fs.cache.GetLocal(uint64(op.Inode))
	if rec == nil {
		return syscall.ENOENT
	}
	rec.Lock()
	v, ok := rec.XAttrs[op.Name]
	rec.Unlock()
	if !ok {
		return syscall.ENODATA
	}
	op.BytesRead = len(v)
	if len(op.Dst) == 0 {
		return nil
	}
	if len(op.Dst) < len(v) {
		return syscall.ERANGE
	}
	copy(op.Dst, v)
	return nil
}

func (fs *fileSystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	rec := fs.cache.GetLocal(uint64(op.Inode))
	if rec == nil {
		return syscall.ENOENT
	}
	rec.Lock()
	names := make([]string, 0, len(rec.XAttrs))
	for name := range rec.XAttrs {
		names = append(names, name)
	}
	rec.Unlock()

	total := 0
	for _, name := range names {
		total += len(name) + 1
	}
	op.BytesRead = total
	if len(op.Dst) == 0 {
		return nil
	}
	if len(op.Dst) < total {
		return syscall.ERANGE
	}
	off := 0
	for _, name := range names {
		off += copy(op.Dst[off:], name)
		op.Dst[off] = 0
		off++
	}
	return nil
}

func (fs *fileSystem) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	id := fs.ident(op.OpContext)

	rec := fs.cache.GetLocal(uint64(op.Inode))
	if rec == nil {
		return syscall.ENOENT
	}

	pcap := fs.caps.Acquire(ctx, id, parentOf(rec), caps.SA_OK)
	if errc := capError(pcap); errc != 0 {
		return errc
	}

	rec.Lock()
	_, exists := rec.XAttrs[op.Name]
	switch {
	case op.Flags == 0x1 && exists: // XATTR_CREATE
		rec.Unlock()
		return syscall.EEXIST
	case op.Flags == 0x2 && !exists: // XATTR_REPLACE
		rec.Unlock()
		return syscall.ENODATA
	}
	rec.XAttrs[op.Name] = string(op.Value)
	rec.Unlock()

	fs.cache.Update(rec, capAuthID(pcap), false)
	return nil
}

func (fs *fileSystem) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	id := fs.ident(op.OpContext)

	rec := fs.cache.GetLocal(uint64(op.Inode))
	if rec == nil {
		return syscall.ENOENT
	}

	pcap := fs.caps.Acquire(ctx, id, parentOf(rec), caps.SA_OK)
	if errc := capError(pcap); errc != 0 {
		return errc
	}

	rec.Lock()
	if _, ok := rec.XAttrs[op.Name]; !ok {
		rec.Unlock()
		return syscall.ENODATA
	}
	delete(rec.XAttrs, op.Name)
	rec.Unlock()

	fs.cache.Update(rec, capAuthID(pcap), false)
	return nil
}

////////////////////////////////////////////////////////////////////////
// StatFS
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	id := fs.ident(op.OpContext)

	op.BlockSize = 4096
	op.IoSize = 1 << 20

	// The root cap's quota node is the best view of the volume we have;
	// without one, report a practically unlimited filesystem.
	rootCap := fs.caps.Acquire(ctx, id, md.RootIno, 0)
	q := fs.caps.Quotas().Get(rootCap)

	volume, inodes, usedVolume, usedInodes := q.Limits()
	if volume == 0 {
		volume = 1 << 50
	}
	if inodes == 0 {
		inodes = 1 << 30
	}

	op.Blocks = volume / uint64(op.BlockSize)
	free := op.Blocks
	if usedVolume > 0 && uint64(usedVolume)/uint64(op.BlockSize) < free {
		free -= uint64(usedVolume) / uint64(op.BlockSize)
	}
	op.BlocksFree = free
	op.BlocksAvailable = free
	op.Inodes = inodes
	op.InodesFree = inodes
	if usedInodes > 0 && uint64(usedInodes) < op.InodesFree {
		op.InodesFree -= uint64(usedInodes)
	}
	return nil
}
