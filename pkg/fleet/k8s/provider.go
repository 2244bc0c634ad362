package k8s

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	kubecore "k8s.io/api/core/v1"
	kubernetes "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/homedir"

	xerrors "github.com/flotilla-dev/flotilla/pkg/errors"
	"github.com/flotilla-dev/flotilla/pkg/fleet/shell"
)

const (
	// DefaultNamespace hosts fleet node pods when no namespace is
	// configured and the kubeconfig context has none.
	DefaultNamespace = "fleet"

	// IngressNamespace is where the ingress controller lives.
	IngressNamespace = "ingress"
)

// namespaces managed by the platform itself; never part of a fleet.
var internalNamespaces = []string{
	"kube-node-lease",
	"kube-public",
	"kube-system",
	"kubernetes-dashboard",
}

// Config identifies the cluster and namespace all operations of a Cluster
// run against. It is read once at Connect; nothing in this package reads
// ambient configuration afterwards.
type Config struct {
	// Kubeconfig is the path to a kubeconfig file. When empty, the
	// conventional locations are searched: ~/.kube/config, then $KUBECONFIG.
	// When nothing is found, the in-cluster config is used.
	Kubeconfig string

	// Namespace scopes operations that do not name one explicitly.
	// When empty, the kubeconfig current-context namespace is used,
	// falling back to DefaultNamespace.
	Namespace string
}

// ResolveKubeconfig returns the kubeconfig path Connect would use for cfg,
// or "" when the in-cluster config would be used.
func (cfg Config) ResolveKubeconfig() string {
	kubeconfig := ""
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	if k := os.Getenv("KUBECONFIG"); k != "" {
		kubeconfig = k
	}
	if cfg.Kubeconfig != "" {
		kubeconfig = cfg.Kubeconfig
	}

	if kubeconfig != "" {
		stat, err := os.Stat(kubeconfig)
		if err != nil || stat.IsDir() {
			kubeconfig = ""
		}
	}
	return kubeconfig
}

// Executor drives one bidirectional exec stream against a pod. It is the
// seam between Session and the SPDY transport; tests substitute fakes.
type Executor interface {
	StreamWithContext(ctx context.Context, options remotecommand.StreamOptions) error
}

// ExecutorFactory opens an Executor for one exec invocation.
type ExecutorFactory func(spec ExecSpec) (Executor, error)

// Cluster is an authenticated handle to one cluster + namespace pair.
//
// A Cluster is safe to share between concurrent operations: nothing in it
// is mutated after construction.
type Cluster struct {
	client      Client
	namespace   string
	log         logrus.FieldLogger
	runner      shell.Runner
	newExecutor ExecutorFactory
}

type Option func(*Cluster)

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Cluster) {
		c.log = l
	}
}

func WithRunner(r shell.Runner) Option {
	return func(c *Cluster) {
		c.runner = r
	}
}

func WithExecutorFactory(f ExecutorFactory) Option {
	return func(c *Cluster) {
		c.newExecutor = f
	}
}

// AttachCluster binds a Client to a namespace.
//
// Most callers want Connect; AttachCluster is the seam for tests and for
// callers that already hold a clientset.
func AttachCluster(client Client, namespace string, options ...Option) *Cluster {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c := &Cluster{
		client:    client,
		namespace: namespace,
		log:       logrus.StandardLogger(),
		runner:    shell.NewRunner(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Connect builds an authenticated Cluster from cfg.
//
// The namespace is resolved here, exactly once; it is fixed for the
// lifetime of the returned Cluster.
func Connect(cfg Config, options ...Option) (*Cluster, error) {
	kubeconfig := cfg.ResolveKubeconfig()

	var restcfg *rest.Config
	var err error
	if kubeconfig == "" {
		restcfg, err = rest.InClusterConfig()
	} else {
		restcfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, xerrors.WrapWithNote("cannot load cluster config", err)
	}

	cs, err := kubernetes.NewForConfig(restcfg)
	if err != nil {
		return nil, xerrors.Wrap(err)
	}

	namespace := cfg.Namespace
	if namespace == "" && kubeconfig != "" {
		namespace = contextNamespace(kubeconfig)
	}

	options = append(
		[]Option{WithExecutorFactory(spdyExecutorFactory(restcfg, cs))},
		options...,
	)
	return AttachCluster(WrapClientset(cs), namespace, options...), nil
}

// Namespace is the namespace this Cluster was constructed with.
func (c *Cluster) Namespace() string {
	return c.namespace
}

// namespaceOr returns ns, or the Cluster's namespace when ns is empty.
func (c *Cluster) namespaceOr(ns string) string {
	if ns == "" {
		return c.namespace
	}
	return ns
}

func contextNamespace(kubeconfig string) string {
	cc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig},
		&clientcmd.ConfigOverrides{},
	)
	ns, _, err := cc.Namespace()
	if err != nil || ns == "" || ns == "default" {
		return ""
	}
	return ns
}

func spdyExecutorFactory(restcfg *rest.Config, cs *kubernetes.Clientset) ExecutorFactory {
	return func(spec ExecSpec) (Executor, error) {
		req := cs.CoreV1().RESTClient().
			Post().
			Resource("pods").
			Name(spec.Pod).
			Namespace(spec.Namespace).
			SubResource("exec").
			VersionedParams(&kubecore.PodExecOptions{
				Container: spec.Container,
				Command:   spec.Command,
				Stdin:     spec.Stdin,
				Stdout:    true,
				Stderr:    true,
				TTY:       false,
			}, scheme.ParameterCodec)
		return remotecommand.NewSPDYExecutor(restcfg, http.MethodPost, req.URL())
	}
}
