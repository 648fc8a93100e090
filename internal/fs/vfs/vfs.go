// Package vfs is the virtual filesystem switch: a mount table resolved
// by longest-prefix match, path canonicalization, and the inode/file
// descriptor/FileOps types every backing filesystem (internal/fs/
// initramfs, internal/fs/devfs) implements against. Grounded on
// original_source's lib/fs/vfs.cpp and include/fs/fs.hpp, adapted from a
// single global fd_table (this kernel keeps file descriptors on
// proc.Process.FDTable instead, per SPEC_FULL.md's data-model section)
// to per-open *Fd_t values the caller owns.
package vfs

import (
	"strconv"
	"strings"

	"kestrel/internal/kerr"
)

// FileType classifies an inode, mirroring original_source's FileType enum.
type FileType int

const (
	NotFound FileType = iota
	Regular
	Directory
	CharDevice
)

func (t FileType) String() string {
	switch t {
	case Regular:
		return "regular"
	case Directory:
		return "directory"
	case CharDevice:
		return "char-device"
	default:
		return "not-found"
	}
}

// Whence values for Fd_t.Lseek, matching the POSIX SEEK_* constants the
// syscall ABI's lseek argument carries.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Stat is what StatPath (and each FileSystem_i's Stat) reports about a path.
type Stat struct {
	Type FileType
	Size uint64
}

// DirEntry is one readdir result.
type DirEntry struct {
	Name string
	Type FileType
}

// Inode is a heap-allocated (or, for devices, statically allocated
// singleton) file handle: a type, a size, the vtable that knows how to
// read/write/close/seek it, and whatever private payload the backing
// filesystem needs (initramfs stashes a byte slice; devices generally
// need nothing and leave this nil).
type Inode struct {
	Type    FileType
	Size    uint64
	Ops     FileOps_i
	Private any
}

// Fd_t is an open file descriptor: an inode, a byte offset into it, and
// the flags it was opened with. Renamed from biscuit's fd.Fd_t to keep
// the file-descriptor type inside this package alongside Inode, since
// kestrel has no need for fd's own module.
type Fd_t struct {
	Inode  *Inode
	Offset int64
	Flags  int
}

// Read, Write, Close, and Lseek all route through Inode.Ops: the VFS
// itself never interprets file contents, per spec §4.9.
func (fd *Fd_t) Read(buf []byte) (int, error)  { return fd.Inode.Ops.Read(fd, buf) }
func (fd *Fd_t) Write(buf []byte) (int, error) { return fd.Inode.Ops.Write(fd, buf) }
func (fd *Fd_t) Lseek(offset int64, whence int) (int64, error) {
	return fd.Inode.Ops.Lseek(fd, offset, whence)
}

// Close satisfies proc.FileDescriptor, so a *Fd_t can be stored directly
// in Process.FDTable without an adapter.
func (fd *Fd_t) Close() error {
	return fd.Inode.Ops.Close(fd)
}

// FileOps_i is the per-inode operation vtable, grounded on biscuit's
// fdops.Fdops_i / original_source's fs::FileOps.
type FileOps_i interface {
	Read(fd *Fd_t, buf []byte) (int, error)
	Write(fd *Fd_t, buf []byte) (int, error)
	Close(fd *Fd_t) error
	Lseek(fd *Fd_t, offset int64, whence int) (int64, error)
}

// FileSystem_i is a mountable backing filesystem: initramfs and devfs
// both implement this against their own storage.
type FileSystem_i interface {
	Name() string
	Open(relPath string, flags int) (*Inode, error)
	Stat(relPath string) (Stat, error)
	Readdir(relPath string) ([]DirEntry, error)
}

type mountPoint struct {
	root string
	fs   FileSystem_i
}

// mounts is the kernel's single, global mount table: entered only from
// kernel-mode code on the single CPU this kernel runs on, per spec §5.
var mounts []mountPoint

// Mount adds fs at root. root must already be canonical (callers mount
// at boot with literal paths like "/" and "/dev").
func Mount(root string, fs FileSystem_i) {
	mounts = append(mounts, mountPoint{root: root, fs: fs})
}

// ResetForTest clears the mount table between tests.
func ResetForTest() {
	mounts = nil
}

// Canonicalize splits path on '/', drops '.' and empty components, pops
// one component on '..', and rejoins with a leading '/'. Matches
// original_source's vfs::canonicalize exactly.
func Canonicalize(path string) string {
	parts := strings.Split(path, "/")
	canonical := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(canonical) > 0 {
				canonical = canonical[:len(canonical)-1]
			}
		default:
			canonical = append(canonical, part)
		}
	}
	return "/" + strings.Join(canonical, "/")
}

// findMount returns the mount point whose root is the longest prefix of
// canonical, and path relative to that root (leading '/' stripped). ok
// is false if no mount covers canonical at all.
func findMount(canonical string) (mp mountPoint, relative string, ok bool) {
	best := -1
	for _, m := range mounts {
		if !strings.HasPrefix(canonical, m.root) {
			continue
		}
		if len(m.root) > best {
			best = len(m.root)
			mp = m
		}
	}
	if best < 0 {
		return mountPoint{}, "", false
	}
	relative = strings.TrimPrefix(canonical, mp.root)
	relative = strings.TrimPrefix(relative, "/")
	return mp, relative, true
}

// Open canonicalizes path, resolves its mount, and dispatches to the
// backing filesystem's Open, per spec §4.9.
func Open(path string, flags int) (*Fd_t, error) {
	canonical := Canonicalize(path)
	mp, relative, ok := findMount(canonical)
	if !ok {
		return nil, kerr.New("vfs", "no filesystem mounted covering "+strconv.Quote(canonical))
	}

	inode, err := mp.fs.Open(relative, flags)
	if err != nil {
		return nil, err
	}
	return &Fd_t{Inode: inode, Offset: 0, Flags: flags}, nil
}

// StatPath canonicalizes path and dispatches to the backing filesystem's
// Stat. A path that is exactly a mount's root is always a directory.
func StatPath(path string) (Stat, error) {
	canonical := Canonicalize(path)
	mp, relative, ok := findMount(canonical)
	if !ok {
		return Stat{Type: NotFound}, nil
	}
	if relative == "" {
		return Stat{Type: Directory}, nil
	}
	return mp.fs.Stat(relative)
}

// Readdir canonicalizes path and dispatches to the backing filesystem's
// Readdir.
func Readdir(path string) ([]DirEntry, error) {
	canonical := Canonicalize(path)
	mp, relative, ok := findMount(canonical)
	if !ok {
		return nil, kerr.New("vfs", "no filesystem mounted covering "+strconv.Quote(canonical))
	}
	return mp.fs.Readdir(relative)
}
