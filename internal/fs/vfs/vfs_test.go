package vfs

import (
	"testing"
)

func TestCanonicalize(t *testing.T) {
	cases := map[string]string{
		"/a/b/c":       "/a/b/c",
		"/a/./b":       "/a/b",
		"/a/b/../c":    "/a/c",
		"/../a":        "/a",
		"//a//b/":      "/a/b",
		"":             "/",
		"/a/b/..":      "/a",
		"/a/b/../../c": "/c",
	}
	for in, want := range cases {
		if got := Canonicalize(in); got != want {
			t.Errorf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

type stubFS struct {
	name    string
	entries map[string]*Inode
}

func (s *stubFS) Name() string { return s.name }
func (s *stubFS) Open(rel string, flags int) (*Inode, error) {
	if i, ok := s.entries[rel]; ok {
		return i, nil
	}
	return nil, errNotFound
}
func (s *stubFS) Stat(rel string) (Stat, error) {
	if i, ok := s.entries[rel]; ok {
		return Stat{Type: i.Type, Size: i.Size}, nil
	}
	return Stat{Type: NotFound}, nil
}
func (s *stubFS) Readdir(rel string) ([]DirEntry, error) { return nil, nil }

type stubOps struct{}

func (stubOps) Read(fd *Fd_t, buf []byte) (int, error)  { return 0, nil }
func (stubOps) Write(fd *Fd_t, buf []byte) (int, error) { return len(buf), nil }
func (stubOps) Close(fd *Fd_t) error                    { return nil }
func (stubOps) Lseek(fd *Fd_t, offset int64, whence int) (int64, error) { return offset, nil }

type testErr string

func (e testErr) Error() string { return string(e) }

const errNotFound = testErr("not found")

func TestLongestPrefixMatchWins(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	root := &stubFS{name: "root", entries: map[string]*Inode{
		"dev/x": {Type: Regular, Ops: stubOps{}},
	}}
	dev := &stubFS{name: "dev", entries: map[string]*Inode{
		"x": {Type: CharDevice, Ops: stubOps{}},
	}}
	Mount("/", root)
	Mount("/dev", dev)

	fd, err := Open("/dev/x", 0)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if fd.Inode.Type != CharDevice {
		t.Fatalf("resolved inode = %v, want the /dev mount's char device (longest-prefix match)", fd.Inode.Type)
	}
}

func TestStatOfMountRootIsDirectory(t *testing.T) {
	ResetForTest()
	defer ResetForTest()
	Mount("/", &stubFS{entries: map[string]*Inode{}})

	st, err := StatPath("/")
	if err != nil {
		t.Fatalf("StatPath() error = %v", err)
	}
	if st.Type != Directory {
		t.Fatalf("StatPath(\"/\").Type = %v, want Directory", st.Type)
	}
}

func TestOpenUnmountedPathErrors(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	if _, err := Open("/nope", 0); err == nil {
		t.Fatal("Open() on an unmounted path should error")
	}
}

func TestFdRoutesThroughInodeOps(t *testing.T) {
	fd := &Fd_t{Inode: &Inode{Ops: stubOps{}}}
	n, err := fd.Write([]byte("hi"))
	if err != nil || n != 2 {
		t.Fatalf("Write() = %d, %v, want 2, nil", n, err)
	}
	if err := fd.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
}
