package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func shRequest(kind Kind, script string) Request {
	return Request{Kind: kind, Command: "/bin/sh", Args: []string{script}, Script: script}
}

func waitResult(t *testing.T, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	res, err := h.Result(ctx)
	require.NoError(t, err, "run did not finish in time")
	return res
}

func collect(t *testing.T, h *Handle, after uint64) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var out []Event
	for ev := range h.Subscribe(ctx, after) {
		out = append(out, ev)
	}
	require.NoError(t, ctx.Err(), "subscription did not end")
	return out
}

func lines(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Line)
	}
	return out
}

func TestStart_NoOpSucceeds(t *testing.T) {
	m := NewManager()
	h, err := m.Start(context.Background(), shRequest(Doctor, writeScript(t, "echo hello")))
	require.NoError(t, err)

	events := collect(t, h, 0)
	res := waitResult(t, h)

	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, 0, res.ExitCode)
	assert.NoError(t, res.Err)
	require.NotEmpty(t, events)
	assert.Equal(t, []string{"hello"}, lines(events))
	assert.Equal(t, len(events), res.Events)
}

func TestStart_AlreadyRunning(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	script := writeScript(t, fmt.Sprintf("echo x >> %s\necho started\nsleep 30", marker))

	m := NewManager(WithCancelGrace(time.Second))
	h, err := m.Start(context.Background(), shRequest(Install, script))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Cancel(); waitResult(t, h) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	first, ok := <-h.Subscribe(ctx, 0)
	require.True(t, ok)
	require.Equal(t, "started", first.Line)

	_, err = m.Start(context.Background(), shRequest(Install, script))
	require.ErrorIs(t, err, ErrAlreadyRunning)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "x"), "second start must not spawn")

	// Other kinds are independent.
	other, err := m.Start(context.Background(), shRequest(Doctor, writeScript(t, "true")))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, waitResult(t, other).State)
}

func TestEvents_PreserveProducedOrder(t *testing.T) {
	var body strings.Builder
	var want []string
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&body, "echo out%d\necho err%d >&2\n", i, i)
		want = append(want, fmt.Sprintf("out%d", i), fmt.Sprintf("err%d", i))
	}

	m := NewManager()
	h, err := m.Start(context.Background(), shRequest(Doctor, writeScript(t, body.String())))
	require.NoError(t, err)

	events := collect(t, h, 0)
	assert.Equal(t, want, lines(events))
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestSteps_MonotonicOnly(t *testing.T) {
	script := writeScript(t, "echo 'Step 3: Redis'\necho 'Step 1: update'\necho 'Step 3: again'\necho 'Step 5: Nginx'")
	req := shRequest(Install, script)
	req.Steps = 15

	m := NewManager()
	h, err := m.Start(context.Background(), req)
	require.NoError(t, err)

	var got []Progress
	for _, ev := range collect(t, h, 0) {
		if ev.Progress != nil {
			got = append(got, *ev.Progress)
		}
	}
	assert.Equal(t, []Progress{
		{Step: 3, Total: 15, Completed: 0},
		{Step: 5, Total: 15, Completed: 3},
	}, got)
	assert.Equal(t, &Progress{Step: 5, Total: 15, Completed: 3}, h.Status().Progress)
}

func TestCancel_StopsRun(t *testing.T) {
	script := writeScript(t, "echo started\nsleep 30\necho never")
	m := NewManager(WithCancelGrace(500 * time.Millisecond))
	h, err := m.Start(context.Background(), shRequest(Uninstall, script))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	first, ok := <-h.Subscribe(ctx, 0)
	require.True(t, ok)
	require.Equal(t, "started", first.Line)

	start := time.Now()
	require.NoError(t, m.Cancel(h.ID()))
	res := waitResult(t, h)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, Cancelled, res.State)
	assert.ErrorIs(t, res.Err, ErrCancelled)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.Events(), res.Events, "no events after termination")
	assert.NotContains(t, lines(h.Events()), "never")

	_, active := m.Active(Uninstall)
	assert.False(t, active)
	assert.NoError(t, h.Cancel(), "cancelling a finished run is a no-op")
}

func TestSpawnFailure_ReleasesGate(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "doctor.sh")
	m := NewManager()

	h, err := m.Start(context.Background(), shRequest(Doctor, missing))
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.Equal(t, Failed, res.State)
	var spawnErr *SpawnError
	require.ErrorAs(t, res.Err, &spawnErr)
	assert.ErrorIs(t, res.Err, os.ErrNotExist)

	events := collect(t, h, 0)
	require.Len(t, events, 1)
	assert.Equal(t, Error, events[0].Severity)
	assert.Contains(t, events[0].Line, "not found")

	_, active := m.Active(Doctor)
	assert.False(t, active)

	next, err := m.Start(context.Background(), shRequest(Doctor, writeScript(t, "echo ok")))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, waitResult(t, next).State)
}

func TestSpawnFailure_MissingCommand(t *testing.T) {
	m := NewManager()
	h, err := m.Start(context.Background(), Request{Kind: Install, Command: "erpkit-no-such-binary-42"})
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.Equal(t, Failed, res.State)
	var spawnErr *SpawnError
	require.ErrorAs(t, res.Err, &spawnErr)
	assert.Equal(t, "erpkit-no-such-binary-42 not found", spawnErr.Error())
	assert.Equal(t, 1, res.Events)
}

func TestNonZeroExit_Fails(t *testing.T) {
	m := NewManager()
	h, err := m.Start(context.Background(), shRequest(Install, writeScript(t, "echo '❌ boom'\nexit 3")))
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 3, res.ExitCode)
	var procErr *ProcessError
	require.ErrorAs(t, res.Err, &procErr)
	assert.Equal(t, 3, procErr.ExitCode)

	events := h.Events()
	require.Len(t, events, 1)
	assert.Equal(t, Error, events[0].Severity)
}

func TestStdinAndEnv(t *testing.T) {
	req := shRequest(Uninstall, writeScript(t, `read a; read b; echo "$a-$b-$ERP_FLAVOUR"`))
	req.Stdin = "YES\ny\n"
	req.Env = map[string]string{"ERP_FLAVOUR": "bench"}

	m := NewManager()
	h, err := m.Start(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"YES-y-bench"}, lines(collect(t, h, 0)))
	assert.Equal(t, Succeeded, waitResult(t, h).State)
}

func TestSubscribe_LateAndResumed(t *testing.T) {
	m := NewManager()
	h, err := m.Start(context.Background(), shRequest(Doctor, writeScript(t, "echo a\necho b\necho c")))
	require.NoError(t, err)
	waitResult(t, h)

	assert.Equal(t, []string{"a", "b", "c"}, lines(collect(t, h, 0)))
	assert.Equal(t, []string{"c"}, lines(collect(t, h, 2)))
	assert.Empty(t, collect(t, h, 3))
}

func TestDrain_BackgroundChildDoesNotHoldRun(t *testing.T) {
	script := writeScript(t, "sleep 3 &\necho done")
	m := NewManager(WithDrain(100 * time.Millisecond))
	h, err := m.Start(context.Background(), shRequest(Doctor, script))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, []string{"done"}, lines(h.Events()))
}

func TestAcknowledge(t *testing.T) {
	script := writeScript(t, "echo started\nsleep 30")
	m := NewManager(WithCancelGrace(500 * time.Millisecond))
	h, err := m.Start(context.Background(), shRequest(Install, script))
	require.NoError(t, err)

	require.ErrorIs(t, m.Acknowledge(h.ID()), ErrNotFinished)
	require.NoError(t, h.Cancel())
	waitResult(t, h)

	latest, ok := m.Latest(Install)
	require.True(t, ok)
	assert.Equal(t, h.ID(), latest.ID())

	require.NoError(t, m.Acknowledge(h.ID()))
	_, err = m.Get(h.ID())
	assert.ErrorIs(t, err, ErrUnknownRun)
	_, ok = m.Latest(Install)
	assert.False(t, ok)
}

func TestFinishHook_CalledOnce(t *testing.T) {
	var calls atomic.Int32
	var got atomic.Value
	m := NewManager(WithFinishHook(func(h *Handle) {
		calls.Add(1)
		got.Store(h.State())
	}))

	h, err := m.Start(context.Background(), shRequest(Doctor, writeScript(t, "exit 0")))
	require.NoError(t, err)
	waitResult(t, h)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Succeeded, got.Load())
}

func TestShutdown_CancelsActive(t *testing.T) {
	m := NewManager(WithCancelGrace(500 * time.Millisecond))
	h, err := m.Start(context.Background(), shRequest(Install, writeScript(t, "sleep 30")))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, Cancelled, h.State())
}

func TestStart_InvalidRequest(t *testing.T) {
	m := NewManager()
	_, err := m.Start(context.Background(), Request{Kind: "deploy", Command: "true"})
	assert.Error(t, err)
	_, err = m.Start(context.Background(), Request{Kind: Doctor})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrAlreadyRunning))
}

func TestRequest_String(t *testing.T) {
	req := Request{Command: "sudo", Args: []string{"bash", "/opt/erp scripts/doctor.sh"}}
	assert.Equal(t, `sudo bash '/opt/erp scripts/doctor.sh'`, req.String())
}
