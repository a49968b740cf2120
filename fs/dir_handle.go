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

package fs

import (
	"context"
	"sort"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/cern-eos/eos-sub015/caps"
	"github.com/cern-eos/eos-sub015/md"
)

// dirEntry is one stable readdir row.
type dirEntry struct {
	name string
	ino  uint64
	typ  fuseutil.DirentType
}

// dirHandle is a snapshot of a directory listing taken at opendir time.
// Cookies index into the snapshot, so a concurrent create or unlink cannot
// shift entries under a sequence of readdir calls.
type dirHandle struct {
	ino     uint64
	entries []dirEntry
}

// fileHandle tracks an open file. The data plane lives in the external
// engine; the handle pins the cap used for quota accounting.
type fileHandle struct {
	ino    uint64
	cap    *caps.Cap
	writer bool
}

// insertHandle registers a handle and returns its id.
func (fs *fileSystem) insertHandle(h interface{}) fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id := fs.nextHandleID
	fs.nextHandleID++
	fs.handles[id] = h
	return id
}

func (fs *fileSystem) takeHandle(id fuseops.HandleID) interface{} {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h := fs.handles[id]
	delete(fs.handles, id)
	return h
}

func (fs *fileSystem) dirHandle(id fuseops.HandleID) *dirHandle {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dh, _ := fs.handles[id].(*dirHandle)
	return dh
}

func (fs *fileSystem) fileHandle(id fuseops.HandleID) *fileHandle {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fh, _ := fs.handles[id].(*fileHandle)
	return fh
}

func direntType(mode uint32) fuseutil.DirentType {
	switch mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		return fuseutil.DT_Directory
	case syscall.S_IFLNK:
		return fuseutil.DT_Link
	case syscall.S_IFIFO:
		return fuseutil.DT_FIFO
	case syscall.S_IFSOCK:
		return fuseutil.DT_Socket
	case syscall.S_IFCHR:
		return fuseutil.DT_Char
	case syscall.S_IFBLK:
		return fuseutil.DT_Block
	default:
		return fuseutil.DT_File
	}
}

// snapshotDir renders the record's children into a sorted, typed listing.
func (fs *fileSystem) snapshotDir(rec *md.Record) []dirEntry {
	rec.Lock()
	children := make(map[string]uint64, len(rec.Children))
	for name, ino := range rec.Children {
		children[name] = ino
	}
	rec.Unlock()

	entries := make([]dirEntry, 0, len(children))
	for name, ino := range children {
		typ := fuseutil.DT_Unknown
		if child := fs.cache.GetLocal(ino); child != nil {
			child.Lock()
			typ = direntType(child.Mode)
			child.Unlock()
		}
		entries = append(entries, dirEntry{name: name, ino: ino, typ: typ})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries
}

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	id := fs.ident(op.OpContext)

	pcap := fs.caps.Acquire(ctx, id, uint64(op.Inode), syscall.S_IFDIR|caps.R_OK)
	if errc := capError(pcap); errc != 0 {
		return errc
	}

	rec, err := fs.cache.Get(ctx, id, uint64(op.Inode), true)
	if err != nil {
		return err
	}
	if rec.ID != uint64(op.Inode) {
		return syscall.ENOENT
	}

	rec.Lock()
	rec.OpenDirInc()
	rec.Unlock()

	op.Handle = fs.insertHandle(&dirHandle{
		ino:     rec.ID,
		entries: fs.snapshotDir(rec),
	})
	return nil
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	dh := fs.dirHandle(op.Handle)
	if dh == nil {
		return syscall.EBADF
	}

	index := int(op.Offset)
	if index > len(dh.entries) {
		return syscall.EINVAL
	}

	for i := index; i < len(dh.entries); i++ {
		e := dh.entries[i]
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(e.ino),
			Name:   e.name,
			Type:   e.typ,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	dh, _ := fs.takeHandle(op.Handle).(*dirHandle)
	if dh == nil {
		return syscall.EBADF
	}
	if rec := fs.cache.GetLocal(dh.ino); rec != nil {
		rec.Lock()
		rec.OpenDirDec()
		rec.Unlock()
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// File handles (data plane is external)
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	id := fs.ident(op.OpContext)

	rec, err := fs.cache.Get(ctx, id, uint64(op.Inode), false)
	if err != nil {
		return err
	}
	if rec.ID != uint64(op.Inode) || rec.Deleted() {
		return syscall.ENOENT
	}

	pcap := fs.caps.Acquire(ctx, id, parentOf(rec), caps.R_OK)
	if errc := capError(pcap); errc != 0 {
		return errc
	}

	// Creators skip the flush wait below the configured size so the common
	// editor save loop does not stall on the queue.
	rec.Lock()
	creator := rec.Creator
	size := rec.Size
	rec.Unlock()
	if fs.cfg.FlushWaitOpen && (!creator || int64(size) >= fs.cfg.FlushWaitOpenSize) {
		if err := fs.cache.WaitFlush(ctx, rec); err != nil {
			return err
		}
	}

	op.Handle = fs.insertHandle(&fileHandle{ino: rec.ID, cap: pcap})
	fs.stats.OpenFilesInc()
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fh := fs.fileHandle(op.Handle)
	if fh == nil {
		return syscall.EBADF
	}
	n, err := fs.data.Read(ctx, fh.ino, op.Offset, op.Dst)
	op.BytesRead = n
	fs.stats.AddRBytes(uint64(n))
	return err
}

func (fs *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fh := fs.fileHandle(op.Handle)
	if fh == nil {
		return syscall.EBADF
	}

	// Quota gate: a known-exhausted volume fails fast, an overrun books the
	// exhaustion so the next write does not round-trip either.
	q := fs.caps.Quotas().Get(fh.cap)
	if q.VolumeEdquota() {
		return syscall.EDQUOT
	}
	if !q.HasQuota(int64(len(op.Data))) {
		q.SetVolumeEdquota()
		return syscall.EDQUOT
	}

	n, err := fs.data.Write(ctx, fh.ino, op.Offset, op.Data)
	if err != nil {
		return err
	}
	q.BookVolume(int64(n))
	fs.stats.AddWBytes(uint64(n))

	if rec := fs.cache.GetLocal(fh.ino); rec != nil {
		now := fs.clk.Now()
		rec.Lock()
		if end := uint64(op.Offset) + uint64(n); end > rec.Size {
			rec.Size = end
		}
		rec.StampTimes(now, false)
		rec.Unlock()
		fs.cache.Update(rec, capAuthID(fh.cap), false)
	}
	return nil
}

func (fs *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	fh := fs.fileHandle(op.Handle)
	if fh == nil {
		return syscall.EBADF
	}
	return fs.data.Sync(ctx, fh.ino)
}

func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	fh := fs.fileHandle(op.Handle)
	if fh == nil {
		return syscall.EBADF
	}
	return fs.data.Sync(ctx, fh.ino)
}

func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fh, _ := fs.takeHandle(op.Handle).(*fileHandle)
	if fh == nil {
		return syscall.EBADF
	}
	if fh.writer {
		fs.caps.Quotas().Get(fh.cap).CloseWriter()
	}
	fs.data.Release(fh.ino)
	fs.stats.OpenFilesDec()
	return nil
}
