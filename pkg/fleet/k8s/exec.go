package k8s

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/tools/remotecommand"

	xerrors "github.com/flotilla-dev/flotilla/pkg/errors"
)

// ErrUnavailable means the target pod does not exist or is not in a
// runnable phase. It is reported before any stream is opened.
var ErrUnavailable = errors.New("pod unavailable")

// StreamKind tells which remote stream a Chunk came from.
type StreamKind int

const (
	Stdout StreamKind = iota
	Stderr
)

func (k StreamKind) String() string {
	if k == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one piece of remote output, in arrival order per stream.
// Interleaving of Stdout vs Stderr chunks is not ordered.
type Chunk struct {
	Stream StreamKind
	Data   []byte
}

// ExecSpec describes one remote command invocation.
type ExecSpec struct {
	Pod       string
	Namespace string

	// Container is the target container. Empty selects the pod's
	// primary container.
	Container string

	Command []string

	// Stdin opens a writable stdin stream on the session.
	Stdin bool
}

// Session is one open exec stream to a process inside a pod.
//
// One goroutine owns the underlying stream. The caller consumes Output
// until it closes, then calls Wait for the terminal result. Close must be
// called on every exit path; it is idempotent.
//
// A Session is owned by the caller that opened it and is not safe for
// concurrent use.
type Session struct {
	spec ExecSpec

	output chan Chunk
	stdin  io.WriteCloser
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	// mu guards err and outClosed, and makes publishing to output and
	// closing it mutually exclusive: the transport's copiers may still be
	// writing when the stream returns on cancellation.
	mu        sync.Mutex
	err       error
	outClosed bool
}

// Exec opens a Session running spec.Command inside the target pod.
//
// It fails with an ErrUnavailable-wrapped error when the pod does not
// exist or is not Running.
func (c *Cluster) Exec(ctx context.Context, spec ExecSpec) (*Session, error) {
	spec.Namespace = c.namespaceOr(spec.Namespace)

	pod, err := c.client.GetPod(ctx, spec.Namespace, spec.Pod)
	if err != nil {
		if kubeerr.IsNotFound(err) {
			return nil, fmt.Errorf(
				"%w: pod %s/%s not found", ErrUnavailable, spec.Namespace, spec.Pod,
			)
		}
		return nil, xerrors.WrapWithNote(
			fmt.Sprintf("cannot read pod %s/%s", spec.Namespace, spec.Pod), err,
		)
	}
	if pod.Status.Phase != kubecore.PodRunning {
		return nil, fmt.Errorf(
			"%w: pod %s/%s is %s, not Running",
			ErrUnavailable, spec.Namespace, spec.Pod, pod.Status.Phase,
		)
	}

	executor, err := c.newExecutor(spec)
	if err != nil {
		return nil, xerrors.WrapWithNote("cannot build exec transport", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		spec:   spec,
		output: make(chan Chunk, 16),
		done:   make(chan struct{}),
		ctx:    sctx,
		cancel: cancel,
	}

	opts := remotecommand.StreamOptions{
		Stdout: &chunkWriter{kind: Stdout, session: s},
		Stderr: &chunkWriter{kind: Stderr, session: s},
	}
	if spec.Stdin {
		r, w := io.Pipe()
		s.stdin = w
		opts.Stdin = r
	}

	go func() {
		defer close(s.done)
		err := executor.StreamWithContext(sctx, opts)
		s.mu.Lock()
		s.err = err
		s.outClosed = true
		close(s.output)
		s.mu.Unlock()
		if s.stdin != nil {
			s.stdin.Close()
		}
	}()

	return s, nil
}

// Output is the finite sequence of remote output chunks. It closes when
// the remote process ends or the session is closed. Consume it fully:
// output produced after the consumer stops reading would otherwise be
// lost with the stream still open.
func (s *Session) Output() <-chan Chunk {
	return s.output
}

// Stdin is the remote process's stdin. Closing it signals EOF to the
// remote side. Writes after Close (of the session or of the returned
// writer) fail with io.ErrClosedPipe.
//
// Calling Stdin on a session opened without Stdin enabled is a
// programming error and panics.
func (s *Session) Stdin() io.WriteCloser {
	if s.stdin == nil {
		panic("k8s: Stdin called on exec session opened without stdin")
	}
	return s.stdin
}

// Wait blocks until the remote process ends and returns the stream's
// terminal error, annotated with the target and command. A non-zero
// remote exit surfaces here as an error from the transport.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err == nil {
		return nil
	}
	return fmt.Errorf(
		"exec %s/%s %v: %w", s.spec.Namespace, s.spec.Pod, s.spec.Command, err,
	)
}

// Close tears the stream down. It is safe to call on every exit path and
// more than once; only the first call does anything.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.stdin != nil {
			s.stdin.Close()
		}
		s.cancel()
		<-s.done
	})
	return nil
}

// Collect drains the session to completion and returns buffered stdout,
// stderr, and the terminal error. The session is closed afterwards.
func (s *Session) Collect() ([]byte, []byte, error) {
	defer s.Close()

	var stdout, stderr bytes.Buffer
	for chunk := range s.output {
		switch chunk.Stream {
		case Stdout:
			stdout.Write(chunk.Data)
		case Stderr:
			stderr.Write(chunk.Data)
		}
	}
	return stdout.Bytes(), stderr.Bytes(), s.Wait()
}

// publish hands one output chunk to the consumer. It fails with
// io.ErrClosedPipe once the output channel is closed: on cancellation the
// transport's copiers keep writing after the stream has returned, and
// those writes must not reach a closed channel.
func (s *Session) publish(kind StreamKind, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outClosed {
		return 0, io.ErrClosedPipe
	}
	select {
	case s.output <- Chunk{Stream: kind, Data: data}:
		return len(p), nil
	case <-s.ctx.Done():
		return 0, s.ctx.Err()
	}
}

// chunkWriter adapts a stream of Write calls into Chunks. Each Write
// copies its input: remotecommand reuses the buffer it hands us.
type chunkWriter struct {
	kind    StreamKind
	session *Session
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	return w.session.publish(w.kind, p)
}
