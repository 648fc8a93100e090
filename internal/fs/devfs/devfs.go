// Package devfs mounts "/dev": static singleton inodes for /dev/null,
// /dev/random, and the interactive line-editing /dev/tty1 console.
// Grounded on original_source's lib/fs/devfs/{devfs,dev_tty,dev_null,
// dev_random}.cpp, per spec §4.11.
package devfs

import (
	"io"
	"os"

	"kestrel/internal/diag"
	"kestrel/internal/diag/kprofile"
	"kestrel/internal/fs/vfs"
	"kestrel/internal/kerr"
	"kestrel/internal/sched"
)

// StatSource supplies the counters /dev/kstat reports; wired by
// cmd/kestrel at boot to the live pfa/slab/sched instances.
var StatSource diag.Source

// FS is the devfs singleton mounted at "/dev".
type FS struct{}

func (FS) Name() string { return "devfs" }

func (FS) Open(relPath string, flags int) (*vfs.Inode, error) {
	switch relPath {
	case "":
		return &vfs.Inode{Type: vfs.Directory}, nil
	case "null":
		return &nullInode, nil
	case "random":
		return &randomInode, nil
	case "tty1":
		return &ttyInode, nil
	case "kstat":
		return &kstatInode, nil
	case "kprofile":
		return &kprofileInode, nil
	default:
		return nil, kerr.New("devfs", "no such device: "+relPath)
	}
}

func (fs FS) Stat(relPath string) (vfs.Stat, error) {
	inode, err := fs.Open(relPath, 0)
	if err != nil {
		return vfs.Stat{Type: vfs.NotFound}, nil
	}
	return vfs.Stat{Type: inode.Type, Size: inode.Size}, nil
}

func (FS) Readdir(relPath string) ([]vfs.DirEntry, error) {
	if relPath != "" {
		return nil, kerr.New("devfs", "no such directory: "+relPath)
	}
	return []vfs.DirEntry{
		{Name: "null", Type: vfs.CharDevice},
		{Name: "random", Type: vfs.CharDevice},
		{Name: "tty1", Type: vfs.CharDevice},
		{Name: "kstat", Type: vfs.CharDevice},
		{Name: "kprofile", Type: vfs.CharDevice},
	}, nil
}

// --- /dev/null ---

var nullInode = vfs.Inode{Type: vfs.CharDevice, Ops: nullOps{}}

type nullOps struct{}

func (nullOps) Read(fd *vfs.Fd_t, buf []byte) (int, error)  { return 0, nil } // always EOF
func (nullOps) Write(fd *vfs.Fd_t, buf []byte) (int, error) { return len(buf), nil }
func (nullOps) Close(fd *vfs.Fd_t) error                    { return nil }
func (nullOps) Lseek(fd *vfs.Fd_t, offset int64, whence int) (int64, error) {
	return 0, kerr.New("devfs", "/dev/null is not seekable")
}

// --- /dev/random ---

var randomInode = vfs.Inode{Type: vfs.CharDevice, Ops: randomOps{}}

type randomOps struct{}

// Read fills buf with bytes derived from the scheduler's tick counter: a
// cheap, deterministic, explicitly non-cryptographic source, per spec
// §4.11. A linear congruential step (Numerical Recipes' constants) avoids
// every byte of one Read call repeating the same value.
func (randomOps) Read(fd *vfs.Fd_t, buf []byte) (int, error) {
	state := uint32(sched.Ticks())
	for i := range buf {
		state = state*1664525 + 1013904223
		buf[i] = byte(state >> 24)
	}
	return len(buf), nil
}
func (randomOps) Write(fd *vfs.Fd_t, buf []byte) (int, error) { return len(buf), nil }
func (randomOps) Close(fd *vfs.Fd_t) error                    { return nil }
func (randomOps) Lseek(fd *vfs.Fd_t, offset int64, whence int) (int64, error) {
	return 0, kerr.New("devfs", "/dev/random is not seekable")
}

// --- /dev/tty1 ---

var ttyInode = vfs.Inode{Type: vfs.CharDevice, Ops: ttyOps{}}

// consoleSink is where tty writes ultimately land, after ansi escape
// classification. Defaults to stdout, the same pre-console fallback
// internal/klog uses, and is retargeted the same way via SetConsoleSink.
var consoleSink io.Writer = os.Stdout

// SetConsoleSink redirects /dev/tty1 writes, e.g. once a framebuffer
// console driver exists to receive classified ansi.Actions.
func SetConsoleSink(w io.Writer) {
	consoleSink = w
}

type ttyOps struct{}

func (ttyOps) Close(fd *vfs.Fd_t) error { return nil }

func (ttyOps) Lseek(fd *vfs.Fd_t, offset int64, whence int) (int64, error) {
	return 0, kerr.New("devfs", "/dev/tty1 is not seekable")
}

func (ttyOps) Write(fd *vfs.Fd_t, buf []byte) (int, error) {
	return writeTTY(buf)
}

func (ttyOps) Read(fd *vfs.Fd_t, buf []byte) (int, error) {
	return readLine(buf)
}

// --- /dev/kstat ---

var kstatInode = vfs.Inode{Type: vfs.CharDevice, Ops: kstatOps{}}

type kstatOps struct{}

// Read renders a diag.Snapshot of StatSource (or an all-zero snapshot if
// no source has been wired yet, e.g. under a hosted test) as its
// plain-text line format; a single Read returns the whole snapshot and
// every subsequent Read on the same fd returns EOF, matching a typical
// /proc-style counters file.
func (kstatOps) Read(fd *vfs.Fd_t, buf []byte) (int, error) {
	if fd.Offset > 0 {
		return 0, nil
	}
	var snap diag.Snapshot
	if StatSource != nil {
		snap = diag.Take(StatSource)
	}
	n := copy(buf, snap.String())
	fd.Offset += int64(n)
	return n, nil
}
func (kstatOps) Write(fd *vfs.Fd_t, buf []byte) (int, error) {
	return 0, kerr.New("devfs", "/dev/kstat is read-only")
}
func (kstatOps) Close(fd *vfs.Fd_t) error { return nil }
func (kstatOps) Lseek(fd *vfs.Fd_t, offset int64, whence int) (int64, error) {
	return 0, kerr.New("devfs", "/dev/kstat is not seekable")
}

// --- /dev/kprofile ---

var kprofileInode = vfs.Inode{Type: vfs.CharDevice, Ops: kprofileOps{}}

type kprofileOps struct{}

// Read serializes kprofile.Default's accumulated samples in pprof wire
// format on the first Read of a given fd; subsequent Reads return EOF.
func (kprofileOps) Read(fd *vfs.Fd_t, buf []byte) (int, error) {
	if fd.Offset > 0 {
		return 0, nil
	}
	data, err := kprofile.Default.WriteTo()
	if err != nil {
		return 0, kerr.New("devfs", "encode /dev/kprofile: "+err.Error())
	}
	n := copy(buf, data)
	fd.Offset += int64(n)
	return n, nil
}
func (kprofileOps) Write(fd *vfs.Fd_t, buf []byte) (int, error) {
	return 0, kerr.New("devfs", "/dev/kprofile is read-only")
}
func (kprofileOps) Close(fd *vfs.Fd_t) error { return nil }
func (kprofileOps) Lseek(fd *vfs.Fd_t, offset int64, whence int) (int64, error) {
	return 0, kerr.New("devfs", "/dev/kprofile is not seekable")
}
