// Package logs finds and reads the log files the installer script leaves
// behind.
package logs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/viant/afs"
	"github.com/zeebo/blake3"
)

var (
	// ErrNoLogs is returned by Latest when no log matches.
	ErrNoLogs = errors.New("no installation logs found")
	// ErrNotFound is returned by Read for a missing log.
	ErrNotFound = errors.New("log not found")
	// ErrInvalidName is returned by Read for a name outside the viewer's scope.
	ErrInvalidName = errors.New("invalid log name")
)

// Entry describes one log file.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Viewer lists log files in one directory that match a glob.
type Viewer struct {
	fs      afs.Service
	dir     string
	pattern string
}

// New creates a Viewer for dir and pattern.
func New(dir, pattern string) *Viewer {
	return &Viewer{fs: afs.New(), dir: filepath.Clean(dir), pattern: pattern}
}

// Dir returns the directory being scanned.
func (v *Viewer) Dir() string { return v.dir }

// List returns the matching logs, newest first. A missing directory yields
// an empty list.
func (v *Viewer) List(ctx context.Context) ([]Entry, error) {
	exists, err := v.fs.Exists(ctx, v.dir)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", v.dir, err)
	}
	if !exists {
		return nil, nil
	}

	objects, err := v.fs.List(ctx, v.dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", v.dir, err)
	}

	var entries []Entry
	for _, obj := range objects {
		if obj.IsDir() || !v.matches(obj.Name()) {
			continue
		}
		entries = append(entries, Entry{
			Name:    obj.Name(),
			Path:    filepath.Join(v.dir, obj.Name()),
			Size:    obj.Size(),
			ModTime: obj.ModTime(),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].Name > entries[j].Name
		}
		return entries[i].ModTime.After(entries[j].ModTime)
	})
	return entries, nil
}

// Latest returns the most recently modified log.
func (v *Viewer) Latest(ctx context.Context) (Entry, error) {
	entries, err := v.List(ctx)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%w in %s matching %s", ErrNoLogs, v.dir, v.pattern)
	}
	return entries[0], nil
}

// Read returns the content of the named log verbatim. Only plain file names
// that match the pattern are accepted.
func (v *Viewer) Read(ctx context.Context, name string) ([]byte, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) || !v.matches(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	p := filepath.Join(v.dir, name)
	exists, err := v.fs.Exists(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", p, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	data, err := v.fs.DownloadWithURL(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

func (v *Viewer) matches(name string) bool {
	ok, err := filepath.Match(v.pattern, name)
	return err == nil && ok
}

// Digest returns a short content hash of a log. Logs grow while the
// installer runs, so pollers compare digests to skip unchanged content.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
