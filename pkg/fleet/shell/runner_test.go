package shell_test

import (
	"context"
	"strings"
	"testing"

	"github.com/flotilla-dev/flotilla/pkg/fleet/shell"
)

func TestRun(t *testing.T) {
	ctx := context.Background()
	runner := shell.NewRunner()

	t.Run("stdout is captured", func(t *testing.T) {
		out, err := runner.Run(ctx, "sh", "-c", "echo hello")
		if err != nil {
			t.Fatal(err)
		}
		if out != "hello\n" {
			t.Errorf("unexpected stdout: %q", out)
		}
	})

	t.Run("a non-zero exit carries stderr", func(t *testing.T) {
		_, err := runner.Run(ctx, "sh", "-c", "echo oops >&2; exit 3")
		if err == nil {
			t.Fatal("no error raised")
		}
		if !strings.Contains(err.Error(), "oops") {
			t.Errorf("stderr not surfaced: %v", err)
		}
	})

	t.Run("an empty command is rejected", func(t *testing.T) {
		if _, err := runner.Run(ctx); err == nil {
			t.Error("empty command was accepted")
		}
	})

	t.Run("cancelation stops the command", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := runner.Run(cctx, "sleep", "10"); err == nil {
			t.Error("canceled command reported success")
		}
	})
}

func TestStream(t *testing.T) {
	ctx := context.Background()
	runner := shell.NewRunner()

	t.Run("stdout and stderr are interleaved into out", func(t *testing.T) {
		out := &strings.Builder{}
		err := runner.Stream(ctx, out, "sh", "-c", "echo one; echo two >&2")
		if err != nil {
			t.Fatal(err)
		}
		got := out.String()
		if !strings.Contains(got, "one\n") || !strings.Contains(got, "two\n") {
			t.Errorf("unexpected output: %q", got)
		}
	})

	t.Run("a failure reports the collected output", func(t *testing.T) {
		out := &strings.Builder{}
		err := runner.Stream(ctx, out, "sh", "-c", "echo before failing; exit 1")
		if err == nil {
			t.Fatal("no error raised")
		}
		if !strings.Contains(err.Error(), "before failing") {
			t.Errorf("output not surfaced: %v", err)
		}
	})
}

func TestFakeRunner(t *testing.T) {
	ctx := context.Background()
	fake := &shell.FakeRunner{Output: "fake out"}

	out, err := fake.Run(ctx, "kubectl", "version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "fake out" {
		t.Errorf("unexpected output: %q", out)
	}

	sink := &strings.Builder{}
	if err := fake.Stream(ctx, sink, "kubectl", "get", "pods"); err != nil {
		t.Fatal(err)
	}
	if sink.String() != "fake out" {
		t.Errorf("unexpected streamed output: %q", sink.String())
	}

	if len(fake.Calls) != 2 {
		t.Errorf("calls not recorded: %v", fake.Calls)
	}
}
