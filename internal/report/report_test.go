package report

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deixis/erpkit/internal/relay"
)

func transcript(id string, ended time.Time, lines ...string) *Transcript {
	t := &Transcript{ID: id, Kind: relay.Doctor, State: relay.Succeeded, EndedAt: ended}
	for i, l := range lines {
		t.Lines = append(t.Lines, Line{Seq: uint64(i + 1), Severity: relay.Classify(l), Text: l})
	}
	return t
}

func TestDiskStore_SaveLoadList(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "runs")
	s := NewDiskStore(dir)

	now := time.Now().UTC().Truncate(time.Second)
	older := transcript("run-1", now.Add(-time.Hour), "✅ nginx running")
	newer := transcript("run-2", now, "❌ redis down")
	require.NoError(t, s.Save(ctx, older))
	require.NoError(t, s.Save(ctx, newer))

	got, err := s.Load(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, newer.Lines, got.Lines)
	assert.True(t, newer.EndedAt.Equal(got.EndedAt))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-2", list[0].ID)

	_, err = s.Load(ctx, "run-3")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Load(ctx, "../run-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskStore_LazyTempDir(t *testing.T) {
	ctx := context.Background()
	s := NewDiskStore("")
	require.NoError(t, s.Save(ctx, transcript("run-1", time.Now(), "hello")))
	dir, err := s.Dir(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	assert.FileExists(t, filepath.Join(dir, "run-1.json"))
}

type countingStore struct {
	Store
	loads int
}

func (c *countingStore) Load(ctx context.Context, id string) (*Transcript, error) {
	c.loads++
	return c.Store.Load(ctx, id)
}

func TestLRUStore_EvictsAndReloads(t *testing.T) {
	ctx := context.Background()
	back := &countingStore{Store: NewDiskStore(t.TempDir())}
	s := NewLRUStore(2, back)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, transcript(id, time.Now(), id)))
	}

	_, err := s.Load(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 0, back.loads, "recent entries come from memory")

	got, err := s.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Lines[0].Text)
	assert.Equal(t, 1, back.loads, "evicted entries come from the backing store")

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFromHandle(t *testing.T) {
	script := filepath.Join(t.TempDir(), "doctor.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo '✅ ok'\necho '⚠ slow'\n"), 0o755))

	m := relay.NewManager()
	h, err := m.Start(context.Background(), relay.Request{
		Kind: relay.Doctor, Command: "sh", Args: []string{script}, Script: script,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr, err := FromHandle(ctx, h, "")
	require.NoError(t, err)

	assert.Equal(t, h.ID(), tr.ID)
	assert.Equal(t, relay.Succeeded, tr.State)
	assert.Equal(t, "completed successfully", tr.Message)
	assert.Equal(t, "✅ ok\n⚠ slow\n", tr.Text())
	assert.Equal(t, map[relay.Severity]int{relay.Success: 1, relay.Warning: 1}, tr.Counts())
	assert.Contains(t, tr.Command, "doctor.sh")
}

func TestDiff(t *testing.T) {
	now := time.Date(2025, 1, 31, 14, 25, 1, 0, time.UTC)
	a := transcript("run-1", now, "✅ nginx", "✅ redis", "✅ mariadb")
	b := transcript("run-2", now, "✅ nginx", "❌ redis", "✅ mariadb")

	out, err := Diff(a, b)
	require.NoError(t, err)
	assert.Contains(t, out, "--- doctor run-1")
	assert.Contains(t, out, "+++ doctor run-2")
	assert.Contains(t, out, "-✅ redis\n")
	assert.Contains(t, out, "+❌ redis\n")
	assert.Contains(t, out, "2025-01-31 14:25:01.000000000 +0000")

	st, err := Stat(out)
	require.NoError(t, err)
	assert.Equal(t, DiffStat{Changed: 1}, st)
	assert.Equal(t, "0 added, 1 changed, 0 removed", st.String())

	same, err := Diff(a, a)
	require.NoError(t, err)
	assert.Empty(t, same)
	st, err = Stat(same)
	require.NoError(t, err)
	assert.Zero(t, st)
}

func TestStat_AddedAndDeleted(t *testing.T) {
	now := time.Date(2025, 1, 31, 14, 25, 1, 0, time.UTC)
	a := transcript("run-1", now, "one", "two", "three")
	b := transcript("run-2", now, "one", "three", "four", "five")

	out, err := Diff(a, b)
	require.NoError(t, err)
	st, err := Stat(out)
	require.NoError(t, err)
	assert.Equal(t, DiffStat{Added: 2, Deleted: 1}, st)
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 1, 31, 14, 25, 1, 0, time.UTC)
	tr := transcript("run-1", now, "line one", "line two")

	p, err := Export(context.Background(), tr, dir, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "doctor_report_20250131_142501.txt"), p)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))

	_, err = Export(context.Background(), transcript("empty", now), dir, now)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no output"))
}
