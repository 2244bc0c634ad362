package k8s

import (
	"context"
	"strings"
	"time"

	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"

	xerrors "github.com/flotilla-dev/flotilla/pkg/errors"
	"github.com/flotilla-dev/flotilla/pkg/utils/pointer"
)

// DefaultWaitTimeout bounds readiness waits when the caller passes no
// explicit budget.
const DefaultWaitTimeout = 5 * time.Minute

// PodPredicate reports whether a pod has reached the awaited state.
//
// Predicates must tolerate pods whose status sub-fields are not populated
// yet (return false, never fail): watches deliver pods before init
// container statuses or conditions exist.
type PodPredicate func(pod *kubecore.Pod) bool

// PodIsReady: phase is Running and the Ready condition is True.
func PodIsReady(pod *kubecore.Pod) bool {
	if pod.Status.Phase != kubecore.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == kubecore.PodReady && cond.Status == kubecore.ConditionTrue {
			return true
		}
	}
	return false
}

// InitContainerRunning: at least one init container has entered the
// running sub-state. Pods with no init container statuses reported yet do
// not match.
func InitContainerRunning(pod *kubecore.Pod) bool {
	for _, status := range pod.Status.InitContainerStatuses {
		if status.State.Running != nil {
			return true
		}
	}
	return false
}

// WaitFor blocks until a pod named `name` in `namespace` satisfies
// predicate, or until timeout.
//
// It consumes a pod watch scoped to the namespace; events for other pods
// are ignored. The watch is torn down on every path.
//
// # Returns
//
// - bool: true when the predicate matched; false when the time budget
// lapsed with no match. A lapsed budget is an outcome, not an error.
//
// - error: watch could not be opened, or ctx was canceled.
func (c *Cluster) WaitFor(
	ctx context.Context,
	namespace string, name string,
	predicate PodPredicate,
	timeout time.Duration,
) (bool, error) {
	namespace = c.namespaceOr(namespace)
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	// rounded up: a zero TimeoutSeconds would make the server pick its
	// own default instead of honoring a sub-second budget
	watcher, err := c.client.WatchPods(ctx, namespace, kubeapimeta.ListOptions{
		TimeoutSeconds: pointer.Ref(int64((timeout + time.Second - 1) / time.Second)),
	})
	if err != nil {
		return false, xerrors.WrapWithNote(
			"cannot watch pods in "+namespace, err,
		)
	}
	defer watcher.Stop()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			c.log.Warnf("timeout waiting for pod %s (%s)", name, namespace)
			return false, nil
		case event, ok := <-watcher.ResultChan():
			if !ok {
				// server closed the watch: the subscription's own time
				// budget is exhausted
				c.log.Warnf("timeout waiting for pod %s (%s)", name, namespace)
				return false, nil
			}
			pod, ok := event.Object.(*kubecore.Pod)
			if !ok || pod.Name != name {
				continue
			}
			if predicate(pod) {
				return true, nil
			}
		}
	}
}

// WaitForPodReady waits until the pod is Running with condition Ready.
func (c *Cluster) WaitForPodReady(ctx context.Context, name string, namespace string, timeout time.Duration) (bool, error) {
	ready, err := c.WaitFor(ctx, namespace, name, PodIsReady, timeout)
	if err == nil && ready {
		c.log.Infof("pod %s (%s) is ready", name, c.namespaceOr(namespace))
	}
	return ready, err
}

// WaitForInitContainer waits until an init container of the pod starts
// running.
func (c *Cluster) WaitForInitContainer(ctx context.Context, name string, namespace string, timeout time.Duration) (bool, error) {
	ready, err := c.WaitFor(ctx, namespace, name, InitContainerRunning, timeout)
	if err == nil && ready {
		c.log.Infof("init container in pod %s (%s) is running", name, c.namespaceOr(namespace))
	}
	return ready, err
}

// ingressControllerName identifies the ingress-controlling pod by name
// substring within IngressNamespace.
const ingressControllerName = "ingress-nginx-controller"

// WaitForIngressController waits for the cluster's ingress controller pod
// to become ready. Returns false when no such pod exists.
func (c *Cluster) WaitForIngressController(ctx context.Context, timeout time.Duration) (bool, error) {
	pods, err := c.client.ListPods(ctx, IngressNamespace, kubeapimeta.ListOptions{})
	if err != nil {
		return false, xerrors.WrapWithNote("cannot list ingress pods", err)
	}
	for _, pod := range pods {
		if strings.Contains(pod.Name, ingressControllerName) {
			return c.WaitForPodReady(ctx, pod.Name, IngressNamespace, timeout)
		}
	}
	return false, nil
}
