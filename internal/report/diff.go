package report

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	sgdiff "github.com/sourcegraph/go-diff/diff"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

// diffTimeLayout is the header timestamp format of GNU diff -u.
const diffTimeLayout = "2006-01-02 15:04:05.000000000 -0700"

// Diff returns a unified diff of the output of two runs. Identical output
// yields an empty string.
func Diff(a, b *Transcript) (string, error) {
	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a.Text()),
		B:        difflib.SplitLines(b.Text()),
		FromFile: fmt.Sprintf("%s %s", a.Kind, a.ID),
		ToFile:   fmt.Sprintf("%s %s", b.Kind, b.ID),
		FromDate: a.EndedAt.Format(diffTimeLayout),
		ToDate:   b.EndedAt.Format(diffTimeLayout),
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return "", fmt.Errorf("diffing %s and %s: %w", a.ID, b.ID, err)
	}
	return out, nil
}

// DiffStat counts the lines a diff touches. A removed line directly
// followed by an added one counts as changed.
type DiffStat struct {
	Added   int
	Changed int
	Deleted int
}

func (s DiffStat) String() string {
	return fmt.Sprintf("%d added, %d changed, %d removed", s.Added, s.Changed, s.Deleted)
}

// Stat parses a diff produced by Diff.
func Stat(diff string) (DiffStat, error) {
	if diff == "" {
		return DiffStat{}, nil
	}
	fd, err := sgdiff.ParseFileDiff([]byte(diff))
	if err != nil {
		return DiffStat{}, fmt.Errorf("parsing diff: %w", err)
	}
	st := fd.Stat()
	return DiffStat{Added: int(st.Added), Changed: int(st.Changed), Deleted: int(st.Deleted)}, nil
}

// FileName returns the export name for a transcript written at now,
// e.g. doctor_report_20250131_142501.txt.
func FileName(t *Transcript, now time.Time) string {
	return fmt.Sprintf("%s_report_%s.txt", t.Kind, now.Format("20060102_150405"))
}

// Export writes the plain-text output of t into dir and returns the path.
func Export(ctx context.Context, t *Transcript, dir string, now time.Time) (string, error) {
	if len(t.Lines) == 0 {
		return "", fmt.Errorf("run %s has no output to save", t.ID)
	}
	p := filepath.Join(dir, FileName(t, now))
	fs := afs.New()
	if err := fs.Upload(ctx, p, file.DefaultFileOsMode, bytes.NewReader([]byte(t.Text()))); err != nil {
		return "", fmt.Errorf("saving report: %w", err)
	}
	return p, nil
}
