// Package command runs an external program for every ingested file. The file
// content is written to the standard input and the standard output is
// stored as the result.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/model"
)

const (
	Name = "command"

	maxStdout = 64 * 1024
)

// Variables added to the environment of the program.
const (
	EnvPath       = "INGESTOR_FILE_PATH"
	EnvDataSource = "INGESTOR_DATA_SOURCE"
	EnvJobID      = "INGESTOR_JOB_ID"
)

type Template struct {
	cmd Command
}

func New(cmd Command) (Template, error) {
	if cmd.Path == "" {
		return Template{}, fmt.Errorf("command path is empty")
	}
	return Template{cmd: cmd}, nil
}

func (t Template) Name() string { return Name }

func (t Template) NewFileModule() ingest.FileModule {
	return &Module{proto: t.cmd, runner: NewRunner(maxStdout)}
}

type Module struct {
	proto  Command
	runner *Runner
	path   string
}

func (m *Module) Name() string { return Name }

// StartUp resolves the program in PATH, a missing program fails the job.
func (m *Module) StartUp(_ context.Context, _ *ingest.JobContext) error {
	path, err := exec.LookPath(m.proto.Path)
	if err != nil {
		return err
	}
	m.path = path
	return nil
}

func (m *Module) ShutDown(context.Context) error { return nil }

func (m *Module) Process(ctx context.Context, jc *ingest.JobContext, f ingest.File) error {
	r, err := jc.Open(ctx, f)
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Path, err)
	}
	defer r.Close()

	cmd := m.proto
	cmd.Path = m.path
	cmd.Env = append(append([]string(nil), m.proto.Env...),
		EnvPath+"="+f.Path,
		EnvDataSource+"="+f.DataSource,
		EnvJobID+"="+strconv.FormatInt(jc.JobID(), 10),
	)
	stderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "command stderr", "path", f.Path, "line", line)
	}
	res, err := m.runner.Run(ctx, cmd, r, stderr)
	if err != nil {
		return fmt.Errorf("starting %s: %w", m.path, err)
	}
	if res.Err != nil {
		return fmt.Errorf("running %s for %s: %w", m.path, f.Path, res.Err)
	}

	out := strings.TrimSpace(res.Stdout.String())
	if out == "" {
		return nil
	}
	return jc.Post(ctx, ingest.Result{
		FileID:     f.ID,
		Module:     Name,
		Type:       model.ResultCommand,
		Value:      out,
		Attributes: map[string]string{model.AttrExitCode: strconv.Itoa(res.State.ExitCode())},
	})
}
