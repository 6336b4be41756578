package volumes

import (
	"fmt"
	"io"
	"sort"

	"github.com/vorteil/vdisc/pkg/vstream"
)

// FileSystemInfo names a file system a factory recognised on a volume.
type FileSystemInfo struct {
	Name        string
	Description string
}

// FileSystemFactory inspects the content of a volume and reports the file
// systems it recognises there. Offset 0 of s is the first byte of vol.
type FileSystemFactory func(s vstream.SparseStream, vol *VolumeInfo) []FileSystemInfo

var registeredFileSystems map[string]FileSystemFactory

// RegisterFileSystem registers a FileSystemFactory with a given name.
func RegisterFileSystem(name string, fn FileSystemFactory) error {
	if registeredFileSystems == nil {
		registeredFileSystems = make(map[string]FileSystemFactory)
	}

	if _, exists := registeredFileSystems[name]; exists {
		return fmt.Errorf("refusing to register file-system factory '%s': already registered", name)
	}

	registeredFileSystems[name] = fn
	return nil
}

// DeregisterFileSystem removes the factory registered under name.
func DeregisterFileSystem(name string) error {
	if _, exists := registeredFileSystems[name]; exists {
		delete(registeredFileSystems, name)
		return nil
	}
	return fmt.Errorf("file-system factory '%s' not found", name)
}

// FileSystems returns an alphabetised list of the registered factories.
func FileSystems() []string {
	names := []string{}
	for k := range registeredFileSystems {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// DetectFileSystems asks every registered factory, in name order, what it
// finds on vol.
func DetectFileSystems(vol *VolumeInfo) ([]FileSystemInfo, error) {
	s, err := vol.Open()
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var found []FileSystemInfo
	for _, name := range FileSystems() {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		found = append(found, registeredFileSystems[name](s, vol)...)
	}
	return found, nil
}
