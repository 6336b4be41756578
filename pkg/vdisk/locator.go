package vdisk

import (
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/vorteil/vdisc/pkg/vstream"
)

// FileLocator finds image files relative to some base.
type FileLocator interface {
	Open(path string) (vstream.SparseStream, error)
	Exists(path string) bool

	// Resolve returns the location Open would use for path.
	Resolve(path string) string

	// Relative returns a locator based wherever path resolves to.
	Relative(path string) FileLocator
}

// LocalFileLocator locates files on the local file system. Paths that do not
// exist relative to Dir are also looked up, by base name, in SearchPaths.
type LocalFileLocator struct {
	Dir         string
	SearchPaths []string
	Writable    bool
}

// NewLocalFileLocator returns a locator rooted at dir. Search paths may
// begin with "~".
func NewLocalFileLocator(dir string, search ...string) *LocalFileLocator {
	l := &LocalFileLocator{Dir: dir}
	for _, s := range search {
		if expanded, err := homedir.Expand(s); err == nil {
			s = expanded
		}
		l.SearchPaths = append(l.SearchPaths, s)
	}
	return l
}

// normalize turns references written on other platforms into local paths.
func normalize(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	if len(path) >= 2 && path[1] == ':' {
		// drive letters are meaningless here
		path = path[2:]
	}
	return filepath.FromSlash(path)
}

func (l *LocalFileLocator) candidates(path string) []string {
	local := normalize(path)
	var list []string
	if filepath.IsAbs(path) {
		list = append(list, path)
	}
	if !filepath.IsAbs(local) {
		list = append(list, filepath.Join(l.Dir, local))
	}
	base := filepath.Base(local)
	list = append(list, filepath.Join(l.Dir, base))
	for _, dir := range l.SearchPaths {
		list = append(list, filepath.Join(dir, base))
	}
	return list
}

func (l *LocalFileLocator) Resolve(path string) string {
	list := l.candidates(path)
	for _, c := range list {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return filepath.Clean(c)
		}
	}
	return filepath.Clean(list[0])
}

func (l *LocalFileLocator) Exists(path string) bool {
	fi, err := os.Stat(l.Resolve(path))
	return err == nil && !fi.IsDir()
}

func (l *LocalFileLocator) Open(path string) (vstream.SparseStream, error) {
	flag := os.O_RDONLY
	if l.Writable {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(l.Resolve(path), flag, 0)
	if err != nil {
		return nil, err
	}

	s, err := vstream.FromStream(f, vstream.Dispose)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (l *LocalFileLocator) Relative(path string) FileLocator {
	return &LocalFileLocator{
		Dir:         filepath.Dir(l.Resolve(path)),
		SearchPaths: l.SearchPaths,
		Writable:    l.Writable,
	}
}
