// flotilla drives a fleet of simulated network node pods: readiness
// waits, remote command execution, and bulk data transfer.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flotilla-dev/flotilla/pkg/fleet/k8s"
	"github.com/flotilla-dev/flotilla/pkg/utils/filewatch"
)

const noBar pb.ProgressBarTemplate = `{{with string . "prefix"}}{{.}} {{end}}{{counters . }} {{with string . "suffix"}} {{.}}{{end}}`

func main() {
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	kubeconfig  string
	namespace   string
	verbose     bool
	watchConfig bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:          "flotilla",
		Short:        "Drive a fleet of simulated network node pods on Kubernetes",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&flags.kubeconfig, "kubeconfig", "", "path to kubeconfig file")
	rootCmd.PersistentFlags().StringVarP(&flags.namespace, "namespace", "n", "", "namespace of the fleet")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVar(&flags.watchConfig, "watch-config", false, "abort long waits when the kubeconfig changes")

	rootCmd.AddCommand(
		newWaitCommand(flags),
		newWriteFileCommand(flags),
		newSnapshotCommand(flags),
		newDownloadCommand(flags),
		newStatusCommand(flags),
	)
	return rootCmd
}

func connect(flags *globalFlags) (*k8s.Cluster, error) {
	cluster, err := k8s.Connect(k8s.Config{
		Kubeconfig: flags.kubeconfig,
		Namespace:  flags.namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot connect to cluster: %w", err)
	}
	return cluster, nil
}

// operationContext derives the context commands run under. With
// --watch-config, the context is canceled when the kubeconfig is
// modified, so a wait does not keep running against rotated credentials.
func operationContext(ctx context.Context, flags *globalFlags) (context.Context, func(), error) {
	if !flags.watchConfig {
		return ctx, func() {}, nil
	}
	kubeconfig := k8s.Config{Kubeconfig: flags.kubeconfig}.ResolveKubeconfig()
	if kubeconfig == "" {
		return ctx, func() {}, nil
	}
	return filewatch.UntilModifyContext(ctx, kubeconfig)
}

func newWaitCommand(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	waitCmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until a fleet resource reaches a lifecycle state",
	}
	waitCmd.PersistentFlags().DurationVar(&timeout, "timeout", k8s.DefaultWaitTimeout, "wait budget")

	run := func(cmd *cobra.Command, wait func(ctx context.Context, cluster *k8s.Cluster) (bool, error)) error {
		cluster, err := connect(flags)
		if err != nil {
			return err
		}
		ctx, stop, err := operationContext(cmd.Context(), flags)
		if err != nil {
			return err
		}
		defer stop()

		ok, err := wait(ctx, cluster)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("condition not reached within %s", timeout)
		}
		return nil
	}

	waitCmd.AddCommand(
		&cobra.Command{
			Use:   "pod POD",
			Short: "Wait until a pod is Running and Ready",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, func(ctx context.Context, cluster *k8s.Cluster) (bool, error) {
					return cluster.WaitForPodReady(ctx, args[0], "", timeout)
				})
			},
		},
		&cobra.Command{
			Use:   "init POD",
			Short: "Wait until a pod's init container is running",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, func(ctx context.Context, cluster *k8s.Cluster) (bool, error) {
					return cluster.WaitForInitContainer(ctx, args[0], "", timeout)
				})
			},
		},
		&cobra.Command{
			Use:   "ingress",
			Short: "Wait until the ingress controller is ready",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, func(ctx context.Context, cluster *k8s.Cluster) (bool, error) {
					return cluster.WaitForIngressController(ctx, timeout)
				})
			},
		},
	)
	return waitCmd
}

func newWriteFileCommand(flags *globalFlags) *cobra.Command {
	var container string

	cmd := &cobra.Command{
		Use:   "write-file POD DEST [SRC]",
		Short: "Atomically write a local file (or stdin) to a path inside a pod",
		Long: `The payload lands at DEST.tmp inside the pod and is renamed into
place only once fully written: readers of DEST never see a partial file.
With no SRC, or SRC "-", the payload is read from stdin.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pod, dest := args[0], args[1]

			var payload []byte
			var err error
			if len(args) < 3 || args[2] == "-" {
				payload, err = io.ReadAll(cmd.InOrStdin())
			} else {
				payload, err = os.ReadFile(args[2])
			}
			if err != nil {
				return fmt.Errorf("cannot read payload: %w", err)
			}

			cluster, err := connect(flags)
			if err != nil {
				return err
			}
			return cluster.WriteFile(cmd.Context(), pod, container, dest, payload)
		},
	}
	cmd.Flags().StringVarP(&container, "container", "c", "", "target container (default: primary)")
	return cmd
}

func newSnapshotCommand(flags *globalFlags) *cobra.Command {
	var (
		chain   string
		dest    string
		filters []string
	)

	cmd := &cobra.Command{
		Use:   "snapshot POD",
		Short: "Export a node pod's chain data directory as a local archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := connect(flags)
			if err != nil {
				return err
			}
			return cluster.SnapshotExport(cmd.Context(), args[0], chain, dest, filters)
		},
	}
	cmd.Flags().StringVar(&chain, "chain", "regtest", "network type of the node's data directory")
	cmd.Flags().StringVar(&dest, "dest", ".", "local directory for the archive")
	cmd.Flags().StringArrayVar(&filters, "filter", nil,
		"name pattern to include (repeatable; any match includes the path; default: everything)")
	return cmd
}

func newDownloadCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download POD SRC [DEST]",
		Short: "Download a file or directory from a pod",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pod, src := args[0], args[1]
			dest := "."
			if len(args) > 2 {
				dest = args[2]
			}

			cluster, err := connect(flags)
			if err != nil {
				return err
			}

			bar := noBar.New(0)
			bar.SetWriter(cmd.ErrOrStderr())
			bar.Set("prefix", fmt.Sprintf("Downloading %s:%s:", pod, src))
			bar.Start()
			defer bar.Finish()

			got, err := cluster.Download(
				cmd.Context(), pod, src, dest,
				k8s.WithProgressProxy(func(w io.Writer) io.Writer {
					return bar.NewProxyWriter(w)
				}),
			)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), got)
			return nil
		},
	}
	return cmd
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List fleet pods and their phases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := connect(flags)
			if err != nil {
				return err
			}
			pods, err := cluster.Pods(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-40s %-16s %s\n", "NAME", "NAMESPACE", "PHASE")
			for _, pod := range pods {
				fmt.Fprintf(out, "%-40s %-16s %s\n", pod.Name, pod.Namespace, pod.Status.Phase)
			}
			return nil
		},
	}
}
