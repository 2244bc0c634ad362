package k8s

import (
	"context"
	"io"

	kubeauth "k8s.io/api/authorization/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	kubernetes "k8s.io/client-go/kubernetes"
)

// subset of kubernetes.Clientset used by this package
type Client interface {
	GetPod(ctx context.Context, namespace string, name string) (*kubecore.Pod, error)
	ListPods(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) ([]kubecore.Pod, error)
	WatchPods(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) (watch.Interface, error)
	DeletePod(ctx context.Context, namespace string, name string) error

	GetNamespace(ctx context.Context, name string) (*kubecore.Namespace, error)
	ListNamespaces(ctx context.Context) ([]kubecore.Namespace, error)

	ListServiceAccounts(ctx context.Context, namespace string) ([]kubecore.ServiceAccount, error)

	CreateSelfSubjectAccessReview(ctx context.Context, review *kubeauth.SelfSubjectAccessReview) (*kubeauth.SelfSubjectAccessReview, error)

	Log(ctx context.Context, namespace string, podname string, container string, follow bool) (io.ReadCloser, error)
}

// A wrapper for kubernetes.Clientset; it keeps method chain-style
// invocations of that type out of the rest of this package.
type client struct {
	cs *kubernetes.Clientset
}

// type check: client implements Client
var _ Client = &client{}

func WrapClientset(cs *kubernetes.Clientset) Client {
	return &client{cs: cs}
}

func (c *client) GetPod(ctx context.Context, namespace string, name string) (*kubecore.Pod, error) {
	return c.cs.CoreV1().Pods(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (c *client) ListPods(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) ([]kubecore.Pod, error) {
	resp, err := c.cs.CoreV1().Pods(namespace).List(ctx, opts)
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *client) WatchPods(ctx context.Context, namespace string, opts kubeapimeta.ListOptions) (watch.Interface, error) {
	return c.cs.CoreV1().Pods(namespace).Watch(ctx, opts)
}

func (c *client) DeletePod(ctx context.Context, namespace string, name string) error {
	return c.cs.CoreV1().Pods(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{})
}

func (c *client) GetNamespace(ctx context.Context, name string) (*kubecore.Namespace, error) {
	return c.cs.CoreV1().Namespaces().Get(ctx, name, kubeapimeta.GetOptions{})
}

func (c *client) ListNamespaces(ctx context.Context) ([]kubecore.Namespace, error) {
	resp, err := c.cs.CoreV1().Namespaces().List(ctx, kubeapimeta.ListOptions{})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *client) ListServiceAccounts(ctx context.Context, namespace string) ([]kubecore.ServiceAccount, error) {
	resp, err := c.cs.CoreV1().ServiceAccounts(namespace).List(ctx, kubeapimeta.ListOptions{})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *client) CreateSelfSubjectAccessReview(ctx context.Context, review *kubeauth.SelfSubjectAccessReview) (*kubeauth.SelfSubjectAccessReview, error) {
	return c.cs.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, kubeapimeta.CreateOptions{})
}

func (c *client) Log(ctx context.Context, namespace string, podname string, container string, follow bool) (io.ReadCloser, error) {
	return c.cs.
		CoreV1().
		Pods(namespace).
		GetLogs(podname, &kubecore.PodLogOptions{Container: container, Follow: follow}).
		Stream(ctx)
}
