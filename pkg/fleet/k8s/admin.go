package k8s

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"time"

	kubeauth "k8s.io/api/authorization/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"

	xerrors "github.com/flotilla-dev/flotilla/pkg/errors"
	"github.com/flotilla-dev/flotilla/pkg/utils"
	"github.com/flotilla-dev/flotilla/pkg/utils/retry"
)

// MissionLabel marks fleet pods with the role they play in a scenario.
const MissionLabel = "mission"

// Namespaces lists non-internal namespaces.
//
// When listing is forbidden (restricted operators are granted only their
// own namespace), the Cluster's namespace is returned alone.
func (c *Cluster) Namespaces(ctx context.Context) ([]kubecore.Namespace, error) {
	namespaces, err := c.client.ListNamespaces(ctx)
	if err != nil {
		if kubeerr.IsForbidden(err) {
			own, err := c.client.GetNamespace(ctx, c.namespace)
			if err != nil {
				return nil, xerrors.Wrap(err)
			}
			return []kubecore.Namespace{*own}, nil
		}
		return nil, xerrors.Wrap(err)
	}
	return utils.Filter(namespaces, func(ns kubecore.Namespace) bool {
		return !slices.Contains(internalNamespaces, ns.Name)
	}), nil
}

// NamespacesWithPrefix lists non-internal namespaces whose name starts
// with prefix.
func (c *Cluster) NamespacesWithPrefix(ctx context.Context, prefix string) ([]kubecore.Namespace, error) {
	namespaces, err := c.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	return utils.Filter(namespaces, func(ns kubecore.Namespace) bool {
		return strings.HasPrefix(ns.Name, prefix)
	}), nil
}

// Pods lists pods across all non-internal namespaces.
func (c *Cluster) Pods(ctx context.Context) ([]kubecore.Pod, error) {
	namespaces, err := c.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	pods := []kubecore.Pod{}
	for _, ns := range namespaces {
		p, err := c.client.ListPods(ctx, ns.Name, kubeapimeta.ListOptions{})
		if err != nil {
			return nil, xerrors.WrapWithNote("cannot list pods in "+ns.Name, err)
		}
		pods = append(pods, p...)
	}
	return pods, nil
}

// PodsWithMission lists pods labelled with the given mission.
func (c *Cluster) PodsWithMission(ctx context.Context, mission string) ([]kubecore.Pod, error) {
	pods, err := c.Pods(ctx)
	if err != nil {
		return nil, err
	}
	return utils.Filter(pods, func(p kubecore.Pod) bool {
		return p.Labels[MissionLabel] == mission
	}), nil
}

// GetPod reads one pod.
func (c *Cluster) GetPod(ctx context.Context, name string, namespace string) (*kubecore.Pod, error) {
	return c.client.GetPod(ctx, c.namespaceOr(namespace), name)
}

// PodExitStatus returns the exit code of the pod's first terminated
// container.
//
// # Returns
//
// - int32: the exit code. Valid only when the bool is true.
//
// - bool: false when no container has terminated (yet).
//
// - error: the pod could not be read.
func (c *Cluster) PodExitStatus(ctx context.Context, name string, namespace string) (int32, bool, error) {
	pod, err := c.client.GetPod(ctx, c.namespaceOr(namespace), name)
	if err != nil {
		return 0, false, xerrors.Wrap(err)
	}
	for _, status := range pod.Status.ContainerStatuses {
		if term := status.State.Terminated; term != nil {
			return term.ExitCode, true, nil
		}
	}
	return 0, false, nil
}

// WaitForPodScheduled polls until the pod leaves the Pending phase, or
// until timeout. A lapsed timeout is reported as false, not an error.
func (c *Cluster) WaitForPodScheduled(ctx context.Context, name string, namespace string, timeout time.Duration) (bool, error) {
	namespace = c.namespaceOr(namespace)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scheduled, err := retry.Blocking(
		wctx, retry.StaticBackoff(1*time.Second),
		func() (bool, error) {
			pod, err := c.client.GetPod(wctx, namespace, name)
			if err != nil {
				return false, xerrors.Wrap(err)
			}
			if pod.Status.Phase == kubecore.PodPending {
				return false, retry.ErrRetry
			}
			return true, nil
		},
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// our own deadline, not the caller's: an outcome
			c.log.Warnf("timeout waiting for pod %s (%s) to be scheduled", name, namespace)
			return false, nil
		}
		return false, err
	}
	return scheduled, nil
}

// CanDeletePods checks whether the current identity may delete pods in
// the namespace. Denial is an expected outcome for restricted operators:
// it is reported as false, never as an error.
func (c *Cluster) CanDeletePods(ctx context.Context, namespace string) (bool, error) {
	namespace = c.namespaceOr(namespace)
	review, err := c.client.CreateSelfSubjectAccessReview(ctx, &kubeauth.SelfSubjectAccessReview{
		Spec: kubeauth.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &kubeauth.ResourceAttributes{
				Namespace: namespace,
				Verb:      "delete",
				Resource:  "pods",
			},
		},
	})
	if err != nil {
		return false, xerrors.WrapWithNote("access review failed", err)
	}
	if !review.Status.Allowed {
		c.log.Infof("current identity cannot delete pods in %s", namespace)
		return false, nil
	}
	return true, nil
}

// ServiceAccounts lists service account names in the namespace, skipping
// the platform-created "default" account.
func (c *Cluster) ServiceAccounts(ctx context.Context, namespace string) ([]string, error) {
	accounts, err := c.client.ListServiceAccounts(ctx, c.namespaceOr(namespace))
	if err != nil {
		return nil, xerrors.Wrap(err)
	}
	names := utils.Map(accounts, func(sa kubecore.ServiceAccount) string { return sa.Name })
	return utils.Filter(names, func(n string) bool { return n != "default" }), nil
}

// PodLog opens a log stream for the pod's container. The caller owns the
// returned stream and must close it.
func (c *Cluster) PodLog(ctx context.Context, name string, container string, namespace string, follow bool) (io.ReadCloser, error) {
	return c.client.Log(ctx, c.namespaceOr(namespace), name, container, follow)
}

// DeletePod deletes a pod via the structured API.
func (c *Cluster) DeletePod(ctx context.Context, name string, namespace string) error {
	if err := c.client.DeletePod(ctx, c.namespaceOr(namespace), name); err != nil {
		return xerrors.Wrap(err)
	}
	return nil
}

// DeleteNamespace deletes a namespace through the kubectl fallback, which
// tolerates the namespace being absent.
func (c *Cluster) DeleteNamespace(ctx context.Context, namespace string, out io.Writer) error {
	return c.runner.Stream(
		ctx, out,
		"kubectl", "delete", "namespace", namespace, "--ignore-not-found",
	)
}

// SetContextNamespace points the current kubeconfig context at namespace.
func (c *Cluster) SetContextNamespace(ctx context.Context, namespace string) error {
	_, err := c.runner.Run(
		ctx,
		"kubectl", "config", "set-context", "--current", "--namespace="+namespace,
	)
	if err != nil {
		return err
	}
	c.log.Infof("kubectl context set to namespace %s", namespace)
	return nil
}
