package command_test

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Ingestor/internal/modules/command"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	yes, err := exec.LookPath("yes")
	if err != nil {
		t.Skipf("skipped, binary yes not available: %v", err)
	}

	runner := command.NewRunner(4096)
	t.Run("not yet started", func(t *testing.T) {
		res := runner.Result()
		require.ErrorIs(t, res.Err, command.ErrNotStarted)
	})

	cmd := command.Command{
		Path:    yes,
		Args:    []string{"golang"},
		Env:     []string{"LC_ALL=C"},
		Timeout: 100 * time.Millisecond,
	}
	ctx := t.Context()

	t.Run("start", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil, nil)
		require.NoError(t, err)
	})
	t.Run("in progress", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil, nil)
		require.ErrorIs(t, err, command.ErrInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res, err := runner.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, yes, res.Path)
		require.Equal(t, []string{"golang"}, res.Args)
		require.NotZero(t, res.Started)
		require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
		var exitErr *exec.ExitError
		require.ErrorAs(t, res.Err, &exitErr)

		require.Equal(t, 4096, res.Stdout.Len())
		require.True(t, strings.HasPrefix(res.Stdout.String(), "golang\ngolang\n"))
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := command.Command{
			Path: "does not exist",
		}
		err := runner.Start(ctx, noCmd, nil, nil)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
	})
}

func TestRunnerStdinStderr(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	cmd := command.Command{
		Path: sh,
		Args: []string{"-c", "cat; printf 'stderr\\nstderr\\n' 1>&2"},
	}

	var mx sync.Mutex
	var stderr []string
	handle := func(_ context.Context, line string) {
		mx.Lock()
		stderr = append(stderr, line)
		mx.Unlock()
	}

	runner := command.NewRunner(0)
	res, err := runner.Run(t.Context(), cmd, strings.NewReader("stdin\n"), handle)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Equal(t, 0, res.State.ExitCode())
	require.Equal(t, "stdin\n", res.Stdout.String())
	mx.Lock()
	defer mx.Unlock()
	require.Equal(t, []string{"stderr", "stderr"}, stderr)
}
