// Package shell runs trusted local commands (kubectl and friends) for the
// few operations the structured Kubernetes API does not cover.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Runner executes a trusted local command.
type Runner interface {
	// Run executes the command and returns its captured stdout.
	// On a non-zero exit, the returned error carries stderr.
	Run(ctx context.Context, args ...string) (string, error)

	// Stream executes the command, writing combined stdout/stderr to out
	// line by line as it arrives.
	Stream(ctx context.Context, out io.Writer, args ...string) error
}

type execRunner struct{}

// NewRunner returns a Runner backed by os/exec.
func NewRunner() Runner {
	return &execRunner{}
}

func (*execRunner) Run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("shell: empty command")
	}
	log.WithField("command", strings.Join(args, " ")).Debug("running command")

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf(
			"shell: %q: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()),
		)
	}
	return stdout.String(), nil
}

func (*execRunner) Stream(ctx context.Context, out io.Writer, args ...string) error {
	if len(args) == 0 {
		return fmt.Errorf("shell: empty command")
	}
	if out == nil {
		out = os.Stdout
	}
	log.WithField("command", strings.Join(args, " ")).Debug("streaming command")

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var collected strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		collected.WriteString(line)
		collected.WriteString("\n")
		fmt.Fprintln(out, line)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf(
			"shell: %q: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(collected.String()),
		)
	}
	return scanner.Err()
}

// FakeRunner is a Runner for tests. Each call is recorded in Calls.
type FakeRunner struct {
	// Output is returned from Run.
	Output string

	// Err, if set, is returned from both Run and Stream.
	Err error

	Calls [][]string
}

var _ Runner = &FakeRunner{}

func (f *FakeRunner) Run(_ context.Context, args ...string) (string, error) {
	f.Calls = append(f.Calls, args)
	return f.Output, f.Err
}

func (f *FakeRunner) Stream(_ context.Context, out io.Writer, args ...string) error {
	f.Calls = append(f.Calls, args)
	if f.Err == nil && out != nil {
		fmt.Fprint(out, f.Output)
	}
	return f.Err
}
