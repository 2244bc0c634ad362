package mock

import (
	"context"
	"errors"
	"io"

	kubeauth "k8s.io/api/authorization/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/remotecommand"

	k8s "github.com/flotilla-dev/flotilla/pkg/fleet/k8s"
	"github.com/flotilla-dev/flotilla/pkg/fleet/shell"
)

// NewCluster returns a Cluster bound to a mock client.
//
// # Returns
//
//   - *k8s.Cluster : using *MockClient as its base client
//   - *MockClient : the mock. Fake the platform's behaviour through Impl,
//     or spy on usage through Called.
func NewCluster(options ...k8s.Option) (*k8s.Cluster, *MockClient) {
	client := NewMockClient()
	options = append(
		[]k8s.Option{k8s.WithRunner(&shell.FakeRunner{})},
		options...,
	)
	return k8s.AttachCluster(client, "fake-namespace", options...), client
}

type MockClient struct {
	Impl struct {
		GetPod    func(ctx context.Context, namespace string, name string) (*kubecore.Pod, error)
		ListPods  func(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) ([]kubecore.Pod, error)
		WatchPods func(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) (watch.Interface, error)
		DeletePod func(ctx context.Context, namespace string, name string) error

		GetNamespace   func(ctx context.Context, name string) (*kubecore.Namespace, error)
		ListNamespaces func(ctx context.Context) ([]kubecore.Namespace, error)

		ListServiceAccounts func(ctx context.Context, namespace string) ([]kubecore.ServiceAccount, error)

		CreateSelfSubjectAccessReview func(ctx context.Context, review *kubeauth.SelfSubjectAccessReview) (*kubeauth.SelfSubjectAccessReview, error)

		Log func(ctx context.Context, namespace string, podname string, container string, follow bool) (io.ReadCloser, error)
	}
	Called struct {
		GetPod    uint64
		ListPods  uint64
		WatchPods uint64
		DeletePod uint64

		GetNamespace   uint64
		ListNamespaces uint64

		ListServiceAccounts uint64

		CreateSelfSubjectAccessReview uint64

		Log uint64
	}
}

var _ k8s.Client = &MockClient{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) GetPod(ctx context.Context, namespace string, name string) (*kubecore.Pod, error) {
	m.Called.GetPod += 1
	if m.Impl.GetPod == nil {
		panic("GetPod is not ready to be called")
	}
	return m.Impl.GetPod(ctx, namespace, name)
}

func (m *MockClient) ListPods(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) ([]kubecore.Pod, error) {
	m.Called.ListPods += 1
	if m.Impl.ListPods == nil {
		panic("ListPods is not ready to be called")
	}
	return m.Impl.ListPods(ctx, namespace, opts)
}

func (m *MockClient) WatchPods(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) (watch.Interface, error) {
	m.Called.WatchPods += 1
	if m.Impl.WatchPods == nil {
		panic("WatchPods is not ready to be called")
	}
	return m.Impl.WatchPods(ctx, namespace, opts)
}

func (m *MockClient) DeletePod(ctx context.Context, namespace string, name string) error {
	m.Called.DeletePod += 1
	if m.Impl.DeletePod == nil {
		panic("DeletePod is not ready to be called")
	}
	return m.Impl.DeletePod(ctx, namespace, name)
}

func (m *MockClient) GetNamespace(ctx context.Context, name string) (*kubecore.Namespace, error) {
	m.Called.GetNamespace += 1
	if m.Impl.GetNamespace == nil {
		panic("GetNamespace is not ready to be called")
	}
	return m.Impl.GetNamespace(ctx, name)
}

func (m *MockClient) ListNamespaces(ctx context.Context) ([]kubecore.Namespace, error) {
	m.Called.ListNamespaces += 1
	if m.Impl.ListNamespaces == nil {
		panic("ListNamespaces is not ready to be called")
	}
	return m.Impl.ListNamespaces(ctx)
}

func (m *MockClient) ListServiceAccounts(ctx context.Context, namespace string) ([]kubecore.ServiceAccount, error) {
	m.Called.ListServiceAccounts += 1
	if m.Impl.ListServiceAccounts == nil {
		panic("ListServiceAccounts is not ready to be called")
	}
	return m.Impl.ListServiceAccounts(ctx, namespace)
}

func (m *MockClient) CreateSelfSubjectAccessReview(ctx context.Context, review *kubeauth.SelfSubjectAccessReview) (*kubeauth.SelfSubjectAccessReview, error) {
	m.Called.CreateSelfSubjectAccessReview += 1
	if m.Impl.CreateSelfSubjectAccessReview == nil {
		panic("CreateSelfSubjectAccessReview is not ready to be called")
	}
	return m.Impl.CreateSelfSubjectAccessReview(ctx, review)
}

func (m *MockClient) Log(ctx context.Context, namespace string, podname string, container string, follow bool) (io.ReadCloser, error) {
	m.Called.Log += 1
	if m.Impl.Log == nil {
		panic("Log is not ready to be called")
	}
	return m.Impl.Log(ctx, namespace, podname, container, follow)
}

// FakeExecutor scripts one exec stream for tests.
type FakeExecutor struct {
	// OnStream fakes the remote process. It receives the stream options
	// the session built: write to opts.Stdout/opts.Stderr, read from
	// opts.Stdin. The returned error is the stream's terminal error.
	OnStream func(opts remotecommand.StreamOptions) error
}

func (f *FakeExecutor) StreamWithContext(ctx context.Context, opts remotecommand.StreamOptions) error {
	done := make(chan error, 1)
	go func() {
		done <- f.OnStream(opts)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScriptedExecutors returns an ExecutorFactory serving one FakeExecutor
// per Exec call, in order. Calls beyond the script fail.
func ScriptedExecutors(execs ...*FakeExecutor) k8s.ExecutorFactory {
	next := 0
	return func(spec k8s.ExecSpec) (k8s.Executor, error) {
		if next >= len(execs) {
			return nil, errors.New("no more scripted executors")
		}
		e := execs[next]
		next += 1
		return e, nil
	}
}

// SpyingExecutors is like ScriptedExecutors but also records each
// ExecSpec the Cluster opened, in order.
func SpyingExecutors(specs *[]k8s.ExecSpec, execs ...*FakeExecutor) k8s.ExecutorFactory {
	scripted := ScriptedExecutors(execs...)
	return func(spec k8s.ExecSpec) (k8s.Executor, error) {
		*specs = append(*specs, spec)
		return scripted(spec)
	}
}

// RunningPod is a minimal Running-phase pod for GetPod fakes.
func RunningPod(namespace string, name string) *kubecore.Pod {
	return &kubecore.Pod{
		ObjectMeta: kubeapimeta.ObjectMeta{Namespace: namespace, Name: name},
		Status:     kubecore.PodStatus{Phase: kubecore.PodRunning},
	}
}
