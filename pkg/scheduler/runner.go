package scheduler

import (
	"bytes"
	"context"
	"io"
	"os/exec"
)

// Command is one invocation of a scheduler tool.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Stdin io.Reader
}

// Runner executes scheduler tools and captures their output.
type Runner interface {
	Run(ctx context.Context, cmd Command) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, []byte, error) {
	// #nosec G204 -- tool names come from the backend dialect table
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
