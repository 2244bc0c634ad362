package k8s_test

import (
	"context"
	"testing"
	"time"

	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	k8s "github.com/flotilla-dev/flotilla/pkg/fleet/k8s"
	"github.com/flotilla-dev/flotilla/pkg/fleet/k8s/mock"
)

func readyPod(namespace string, name string) *kubecore.Pod {
	pod := mock.RunningPod(namespace, name)
	pod.Status.Conditions = []kubecore.PodCondition{
		{Type: kubecore.PodReady, Status: kubecore.ConditionTrue},
	}
	return pod
}

func TestPodIsReady(t *testing.T) {
	for name, testcase := range map[string]struct {
		pod  *kubecore.Pod
		want bool
	}{
		"running and ready": {
			pod: readyPod("ns", "node-0000"), want: true,
		},
		"running but not ready": {
			pod: func() *kubecore.Pod {
				pod := mock.RunningPod("ns", "node-0000")
				pod.Status.Conditions = []kubecore.PodCondition{
					{Type: kubecore.PodReady, Status: kubecore.ConditionFalse},
				}
				return pod
			}(),
			want: false,
		},
		"pending with ready condition": {
			pod: func() *kubecore.Pod {
				pod := readyPod("ns", "node-0000")
				pod.Status.Phase = kubecore.PodPending
				return pod
			}(),
			want: false,
		},
		"no status populated yet": {
			pod: &kubecore.Pod{}, want: false,
		},
	} {
		t.Run(name, func(t *testing.T) {
			if got := k8s.PodIsReady(testcase.pod); got != testcase.want {
				t.Errorf("PodIsReady = %v, want %v", got, testcase.want)
			}
		})
	}
}

func TestInitContainerRunning(t *testing.T) {
	t.Run("an init container in the running sub-state matches", func(t *testing.T) {
		pod := &kubecore.Pod{
			Status: kubecore.PodStatus{
				InitContainerStatuses: []kubecore.ContainerStatus{
					{State: kubecore.ContainerState{
						Waiting: &kubecore.ContainerStateWaiting{},
					}},
					{State: kubecore.ContainerState{
						Running: &kubecore.ContainerStateRunning{},
					}},
				},
			},
		}
		if !k8s.InitContainerRunning(pod) {
			t.Error("running init container not detected")
		}
	})

	t.Run("a pod with no init container statuses does not match", func(t *testing.T) {
		if k8s.InitContainerRunning(&kubecore.Pod{}) {
			t.Error("empty pod matched")
		}
	})
}

func TestWaitFor(t *testing.T) {
	t.Run("it returns true when an event satisfies the predicate", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		fake := watch.NewFakeWithChanSize(4, false)
		client.Impl.WatchPods = func(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) (watch.Interface, error) {
			if namespace != "fake-namespace" {
				t.Errorf("unexpected namespace: %s", namespace)
			}
			return fake, nil
		}

		fake.Add(mock.RunningPod("fake-namespace", "node-0000"))
		fake.Modify(readyPod("fake-namespace", "node-0000"))

		ok, err := cluster.WaitForPodReady(ctx, "node-0000", "", 10*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Error("pod did not become ready")
		}
	})

	t.Run("events for other pods are ignored", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		fake := watch.NewFakeWithChanSize(4, false)
		client.Impl.WatchPods = func(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) (watch.Interface, error) {
			return fake, nil
		}

		fake.Modify(readyPod("fake-namespace", "other-pod"))

		ok, err := cluster.WaitForPodReady(ctx, "node-0000", "", 100*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("matched an event for a different pod")
		}
	})

	t.Run("a lapsed budget is an outcome, not an error", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		client.Impl.WatchPods = func(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) (watch.Interface, error) {
			return watch.NewFakeWithChanSize(1, false), nil
		}

		ok, err := cluster.WaitFor(ctx, "", "node-0000", k8s.PodIsReady, 50*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("reported ready with no events at all")
		}
	})

	t.Run("a sub-second budget still bounds the server-side watch", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		var serverTimeout *int64
		client.Impl.WatchPods = func(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) (watch.Interface, error) {
			serverTimeout = opts.TimeoutSeconds
			return watch.NewFakeWithChanSize(1, false), nil
		}

		if _, err := cluster.WaitFor(ctx, "", "node-0000", k8s.PodIsReady, 50*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		if serverTimeout == nil || *serverTimeout != 1 {
			t.Errorf("unexpected server-side timeout: %v", serverTimeout)
		}
	})

	t.Run("a server-closed watch is treated as a lapsed budget", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		fake := watch.NewFakeWithChanSize(1, false)
		client.Impl.WatchPods = func(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) (watch.Interface, error) {
			return fake, nil
		}
		fake.Stop()

		ok, err := cluster.WaitFor(ctx, "", "node-0000", k8s.PodIsReady, 10*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("reported ready from a closed watch")
		}
	})

	t.Run("caller cancelation is an error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		cluster, client := mock.NewCluster()

		client.Impl.WatchPods = func(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) (watch.Interface, error) {
			return watch.NewFakeWithChanSize(1, false), nil
		}

		_, err := cluster.WaitFor(ctx, "", "node-0000", k8s.PodIsReady, 10*time.Second)
		if err == nil {
			t.Error("cancelation was swallowed")
		}
	})
}

func TestWaitForIngressController(t *testing.T) {
	t.Run("it waits on the controller pod found by name", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		client.Impl.ListPods = func(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) ([]kubecore.Pod, error) {
			if namespace != k8s.IngressNamespace {
				t.Errorf("unexpected namespace: %s", namespace)
			}
			return []kubecore.Pod{
				*mock.RunningPod(namespace, "something-else"),
				*mock.RunningPod(namespace, "ingress-nginx-controller-abcde"),
			}, nil
		}
		fake := watch.NewFakeWithChanSize(4, false)
		client.Impl.WatchPods = func(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) (watch.Interface, error) {
			return fake, nil
		}
		fake.Modify(readyPod(k8s.IngressNamespace, "ingress-nginx-controller-abcde"))

		ok, err := cluster.WaitForIngressController(ctx, 10*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Error("controller did not become ready")
		}
	})

	t.Run("no controller pod is reported as false", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		client.Impl.ListPods = func(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) ([]kubecore.Pod, error) {
			return []kubecore.Pod{}, nil
		}

		ok, err := cluster.WaitForIngressController(ctx, 10*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("reported ready with no controller pod")
		}
		if client.Called.WatchPods != 0 {
			t.Error("a watch was opened with nothing to wait for")
		}
	})
}
