package process

import (
	"context"
	"io"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lookSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func TestStartJoinsStdoutAndStderr(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	dir := t.TempDir()
	p, err := NewRunner().Start(context.Background(), Command{
		Path: sh,
		Args: []string{"-c", "echo one; echo two >&2; echo three; pwd; echo \"$LINKSNIFF_TEST\""},
		Dir:  dir,
		Env:  []string{"LINKSNIFF_TEST=env-ok"},
	})
	require.NoError(t, err)
	require.Positive(t, p.PID())

	out, err := io.ReadAll(p.Output())
	require.NoError(t, err)
	code, err := p.Wait()
	require.NoError(t, err)
	require.Zero(t, code)

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Contains(t, []string{
		"one\ntwo\nthree\n" + dir + "\nenv-ok\n",
		"one\ntwo\nthree\n" + resolved + "\nenv-ok\n",
	}, string(out))
}

func TestStartReportsExitCode(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	p, err := NewRunner().Start(context.Background(), Command{Path: sh, Args: []string{"-c", "echo boom; exit 3"}})
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, p.Output())
	require.NoError(t, err)
	code, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, 3, code)
}

func TestAbandonKillsAndReaps(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skipf("skipped, binary sleep not available: %v", err)
	}

	p, err := NewRunner().Start(context.Background(), Command{Path: sh, Args: []string{"-c", "echo started; exec sleep 30"}})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Abandon())
	code, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, -1, code)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestStartMissingExecutable(t *testing.T) {
	t.Parallel()

	_, err := NewRunner().Start(context.Background(), Command{Path: filepath.Join(t.TempDir(), "absent")})
	require.Error(t, err)
}

func TestRunCapturesOutput(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	res, err := NewRunner().Run(context.Background(), Command{Path: sh, Args: []string{"-c", "echo updated; echo warn >&2; exit 1"}})
	require.NoError(t, err)
	require.Equal(t, 1, res.ExitCode)
	require.Equal(t, "updated\nwarn\n", res.Output)
	require.False(t, res.Stopped.Before(res.Started))
}

func TestRunHonorsTimeout(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := NewRunner().Run(ctx, Command{Path: sh, Args: []string{"-c", "exec sleep 5"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, -1, res.ExitCode)
}
