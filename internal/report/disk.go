package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

// DiskStore writes transcripts as JSON files. Without a configured
// directory it uses a temp directory created on the first Save.
type DiskStore struct {
	fs afs.Service

	mu  sync.Mutex
	dir string
}

// NewDiskStore creates a DiskStore rooted at dir; empty means a temp dir.
func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{fs: afs.New(), dir: dir}
}

// Save writes t as a JSON file.
func (s *DiskStore) Save(ctx context.Context, t *Transcript) error {
	dir, err := s.ensureDir(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshalling transcript %s: %w", t.ID, err)
	}
	if err := s.fs.Upload(ctx, s.path(dir, t.ID), file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing transcript %s: %w", t.ID, err)
	}
	return nil
}

// Load reads a transcript from disk.
func (s *DiskStore) Load(ctx context.Context, runID string) (*Transcript, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, runID)
	}
	dir, err := s.ensureDir(ctx)
	if err != nil {
		return nil, err
	}
	p := s.path(dir, runID)
	exists, err := s.fs.Exists(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("checking transcript %s: %w", runID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	data, err := s.fs.DownloadWithURL(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("reading transcript %s: %w", runID, err)
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshalling transcript %s: %w", runID, err)
	}
	return &t, nil
}

// List returns every stored transcript, newest first. Unreadable files are
// skipped.
func (s *DiskStore) List(ctx context.Context) ([]*Transcript, error) {
	dir, err := s.ensureDir(ctx)
	if err != nil {
		return nil, err
	}
	objects, err := s.fs.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("listing transcripts: %w", err)
	}
	var out []*Transcript
	for _, obj := range objects {
		if obj.IsDir() || !strings.HasSuffix(obj.Name(), ".json") {
			continue
		}
		data, err := s.fs.Download(ctx, obj)
		if err != nil {
			continue
		}
		var t Transcript
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	return out, nil
}

// Dir returns the storage directory, creating it if needed.
func (s *DiskStore) Dir(ctx context.Context) (string, error) { return s.ensureDir(ctx) }

func (s *DiskStore) path(dir, runID string) string {
	return filepath.Join(dir, runID+".json")
}

func (s *DiskStore) ensureDir(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		dir, err := os.MkdirTemp("", "erpkit-runs-*")
		if err != nil {
			return "", fmt.Errorf("creating transcript directory: %w", err)
		}
		s.dir = dir
		return dir, nil
	}
	exists, _ := s.fs.Exists(ctx, s.dir)
	if !exists {
		if err := s.fs.Create(ctx, s.dir, file.DefaultDirOsMode, true); err != nil {
			return "", fmt.Errorf("creating transcript directory: %w", err)
		}
	}
	return s.dir, nil
}
