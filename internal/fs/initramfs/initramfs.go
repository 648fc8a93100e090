// Package initramfs parses a ustar TAR archive loaded by the bootloader
// into a flat, read-only filesystem mounted at "/". Grounded on
// original_source's lib/fs/initramfs/tar.cpp (header walk, filename
// reconstruction, linear find) and fs_file_ops.cpp (the shared
// read/write/close/lseek vtable every regular file shares), per spec
// §4.10/§6.
package initramfs

import (
	"strconv"
	"strings"

	"kestrel/internal/kerr"
	"kestrel/internal/fs/vfs"
)

// USTAR header field offsets (512-byte blocks), POSIX.1-1988 layout.
const (
	blockSize = 512

	offFilename = 0
	lenFilename = 100
	offSize     = 124
	lenSize     = 12
	offTypeflag = 156
	offPrefix   = 345
	lenPrefix   = 155

	typeflagDir = '5'
)

// entry is one parsed TAR header plus the slice of image it owns.
type entry struct {
	filename string
	data     []byte
	isDir    bool
}

// FS is a mounted initramfs image: entries parsed once at Init time and
// looked up by exact canonical (mount-relative) filename thereafter.
type FS struct {
	entries []entry
}

// Init parses image as a sequence of ustar headers, per spec §4.10: for
// each header, compute size from the octal ASCII size field, compute
// block count as ceil(size/512), record the entry, and advance by
// 512 + blocks*512. Parsing stops at an all-zero (empty-filename)
// header, ustar's end-of-archive marker.
func Init(image []byte) *FS {
	fs := &FS{}
	off := 0
	for off+blockSize <= len(image) {
		header := image[off : off+blockSize]
		if header[offFilename] == 0 {
			break
		}

		filename := reconstructFilename(header)
		size := parseOctal(header[offSize : offSize+lenSize])
		blocks := (size + blockSize - 1) / blockSize

		dataStart := off + blockSize
		dataEnd := dataStart + size
		var data []byte
		if size > 0 && dataEnd <= len(image) {
			data = image[dataStart:dataEnd]
		}

		fs.entries = append(fs.entries, entry{
			filename: filename,
			data:     data,
			isDir:    header[offTypeflag] == typeflagDir,
		})

		off = dataStart + blocks*blockSize
	}
	return fs
}

// reconstructFilename joins the prefix and filename fields per spec §6:
// "prefix/filename" when prefix is non-empty, else filename alone, with
// each field's leading two-char archiver prefix ("./") stripped.
func reconstructFilename(header []byte) string {
	filename := cstr(header[offFilename : offFilename+lenFilename])
	prefix := cstr(header[offPrefix : offPrefix+lenPrefix])

	var full string
	if prefix != "" {
		full = strings.TrimPrefix(prefix, "./") + "/" + strings.TrimPrefix(filename, "./")
	} else {
		full = strings.TrimPrefix(filename, "./")
	}
	return strings.TrimSuffix(full, "/")
}

func cstr(field []byte) string {
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	return string(field[:n])
}

func parseOctal(field []byte) int {
	s := strings.TrimRight(strings.TrimLeft(string(field), " \x00"), " \x00")
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0
	}
	return int(n)
}

func (fs *FS) Name() string { return "initramfs" }

func (fs *FS) find(relPath string) (*entry, bool) {
	for i := range fs.entries {
		if fs.entries[i].filename == relPath {
			return &fs.entries[i], true
		}
	}
	return nil, false
}

// Open performs a linear search on canonical filename, per spec §4.10.
// A found regular file gets a heap-allocated inode whose Private field
// holds the backing byte slice; ops route to fileOps, shared with every
// other regular file this filesystem serves.
func (fs *FS) Open(relPath string, flags int) (*vfs.Inode, error) {
	if relPath == "" {
		return &vfs.Inode{Type: vfs.Directory}, nil
	}

	e, ok := fs.find(relPath)
	if !ok {
		return nil, kerr.New("initramfs", "no such file: "+relPath)
	}
	typ := vfs.Regular
	if e.isDir {
		typ = vfs.Directory
	}
	return &vfs.Inode{
		Type:    typ,
		Size:    uint64(len(e.data)),
		Ops:     fileOps{},
		Private: e.data,
	}, nil
}

func (fs *FS) Stat(relPath string) (vfs.Stat, error) {
	if relPath == "" {
		return vfs.Stat{Type: vfs.Directory}, nil
	}
	e, ok := fs.find(relPath)
	if !ok {
		return vfs.Stat{Type: vfs.NotFound}, nil
	}
	typ := vfs.Regular
	if e.isDir {
		typ = vfs.Directory
	}
	return vfs.Stat{Type: typ, Size: uint64(len(e.data))}, nil
}

// Readdir filters entries whose filename starts with path, keeping only
// those one level of depth beyond it, per spec §4.10.
func (fs *FS) Readdir(relPath string) ([]vfs.DirEntry, error) {
	var out []vfs.DirEntry
	seen := map[string]bool{}
	prefix := relPath
	if prefix != "" {
		prefix += "/"
	}

	for _, e := range fs.entries {
		if e.filename == relPath || !strings.HasPrefix(e.filename, prefix) {
			continue
		}
		rest := strings.TrimPrefix(e.filename, prefix)
		basename := rest
		isDir := e.isDir
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			basename = rest[:idx]
			isDir = true // an intermediate path component is necessarily a directory
		}
		if seen[basename] {
			continue
		}
		seen[basename] = true

		typ := vfs.Regular
		if isDir {
			typ = vfs.Directory
		}
		out = append(out, vfs.DirEntry{Name: basename, Type: typ})
	}
	return out, nil
}

// fileOps is the shared FileOps_i every regular initramfs file uses:
// read copies bytes out of the backing slice, write always errors (the
// archive is read-only), lseek supports SEEK_SET/CUR/END with sign
// checks. Grounded on original_source's fs_file_ops.cpp.
type fileOps struct{}

func (fileOps) Read(fd *vfs.Fd_t, buf []byte) (int, error) {
	data := fd.Inode.Private.([]byte)
	if fd.Offset >= int64(len(data)) {
		return 0, nil // EOF
	}
	n := copy(buf, data[fd.Offset:])
	fd.Offset += int64(n)
	return n, nil
}

func (fileOps) Write(fd *vfs.Fd_t, buf []byte) (int, error) {
	return 0, kerr.New("initramfs", "filesystem is read-only")
}

func (fileOps) Close(fd *vfs.Fd_t) error {
	return nil
}

func (fileOps) Lseek(fd *vfs.Fd_t, offset int64, whence int) (int64, error) {
	data := fd.Inode.Private.([]byte)
	var next int64
	switch whence {
	case vfs.SeekSet:
		next = offset
	case vfs.SeekCur:
		next = fd.Offset + offset
	case vfs.SeekEnd:
		next = int64(len(data)) + offset
	default:
		return 0, kerr.New("initramfs", "bad whence")
	}
	if next < 0 {
		return 0, kerr.New("initramfs", "negative seek offset")
	}
	fd.Offset = next
	return next, nil
}
