package snapshot

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rsdb/pkg/apply"

	"github.com/sirupsen/logrus"
)

const snapSuffix = ".snap"

// Snapshotter manages <dir>/<index>.snap files: save atomically, load the
// newest valid one, and push aside anything unreadable.
type Snapshotter struct {
	dir string
}

func NewSnapshotter(dir string) (*Snapshotter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Snapshotter{dir: dir}, nil
}

func (s *Snapshotter) name(index uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016x%s", index, snapSuffix))
}

// Save writes the snapshot under a temp name and renames it into place.
func (s *Snapshotter) Save(meta apply.SnapshotMeta, data []byte) (string, error) {
	buf, err := Encode(meta, data)
	if err != nil {
		return "", err
	}
	path := s.name(meta.LastAppliedCommand)
	tmp := path + ".tmp"
	if err = ioutil.WriteFile(tmp, buf, 0o644); err != nil {
		return "", err
	}
	if err = os.Rename(tmp, path); err != nil {
		return "", err
	}
	logrus.Infof("snapshot saved: %s (%d bytes)", path, len(buf))
	return path, nil
}

// Load returns the newest snapshot that decodes cleanly. Corrupt files are
// renamed aside so the next boot does not trip over them again; a version
// mismatch is fatal and aborts the load.
func (s *Snapshotter) Load() (meta apply.SnapshotMeta, data []byte, err error) {
	names, err := s.snapNames()
	if err != nil {
		return
	}
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		var buf []byte
		if buf, err = ioutil.ReadFile(path); err != nil {
			return
		}
		meta, data, err = Decode(buf)
		if err == nil {
			logrus.Infof("snapshot loaded: %s index=%d", path, meta.LastAppliedCommand)
			return
		}
		if errors.Is(err, ErrSnapshotVersion) {
			return
		}
		logrus.Warnf("skipping unreadable snapshot %s: %v", path, err)
		os.Rename(path, path+".broken")
	}
	err = ErrNoSnapshot
	return
}

// Prune removes snapshot files older than the given index.
func (s *Snapshotter) Prune(keepIndex uint64) error {
	names, err := s.snapNames()
	if err != nil {
		return err
	}
	keep := fmt.Sprintf("%016x%s", keepIndex, snapSuffix)
	for _, name := range names {
		if name < keep {
			os.Remove(filepath.Join(s.dir, name))
		}
	}
	return nil
}

// snapNames lists *.snap newest first.
func (s *Snapshotter) snapNames() ([]string, error) {
	entries, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), snapSuffix) {
			names = append(names, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// HasSnapshots reports whether any snapshot file exists, for the bootstrap
// refusal check.
func (s *Snapshotter) HasSnapshots() bool {
	names, err := s.snapNames()
	return err == nil && len(names) > 0
}
