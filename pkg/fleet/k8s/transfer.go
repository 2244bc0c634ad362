package k8s

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	kexec "k8s.io/client-go/util/exec"

	xerrors "github.com/flotilla-dev/flotilla/pkg/errors"
	"github.com/flotilla-dev/flotilla/pkg/utils/archive"
)

// remoteSnapshotArchive is where SnapshotExport stages its archive inside
// the pod. Pod-local, so concurrent exports against distinct pods never
// collide.
const remoteSnapshotArchive = "/tmp/node_data.tar.gz"

// ChainDataDir is the node data directory for a network type inside a
// fleet pod.
func ChainDataDir(chain string) string {
	return "/root/.bitcoin/" + chain
}

// WriteFile writes data to destPath inside the pod's container, atomically.
//
// The payload lands at destPath+".tmp" and is renamed into place only
// after it is fully flushed: a concurrent reader of destPath sees either
// the prior content or the whole payload, never a prefix.
func (c *Cluster) WriteFile(ctx context.Context, pod string, container string, destPath string, data []byte) error {
	tmpPath := destPath + ".tmp"

	sess, err := c.Exec(ctx, ExecSpec{
		Pod:       pod,
		Container: container,
		Command:   []string{"sh", "-c", fmt.Sprintf("cat > %s && sync", tmpPath)},
		Stdin:     true,
	})
	if err != nil {
		return err
	}
	stdin := sess.Stdin()
	if _, err := stdin.Write(data); err != nil {
		sess.Close()
		return xerrors.WrapWithNote("writing payload to "+pod, err)
	}
	stdin.Close()
	if _, stderr, err := sess.Collect(); err != nil {
		return fmt.Errorf(
			"writing %s(%s):%s: %w (stderr: %s)",
			pod, container, tmpPath, err, strings.TrimSpace(string(stderr)),
		)
	}

	// a separate session: the rename must not happen unless the payload
	// is fully on disk
	mv, err := c.Exec(ctx, ExecSpec{
		Pod:       pod,
		Container: container,
		Command:   []string{"sh", "-c", fmt.Sprintf("mv %s %s", tmpPath, destPath)},
	})
	if err != nil {
		return err
	}
	if _, stderr, err := mv.Collect(); err != nil {
		return fmt.Errorf(
			"renaming %s into place on %s(%s): %w (stderr: %s)",
			tmpPath, pod, container, err, strings.TrimSpace(string(stderr)),
		)
	}

	c.log.Infof("copied %d bytes to %s(%s):%s", len(data), pod, container, destPath)
	return nil
}

// SnapshotExport archives the pod's chain data directory and copies the
// archive to localDir, named after the pod.
//
// nameFilters restrict the selection to paths matching at least one
// pattern (OR semantics); with no filters, everything under the data
// directory is included. An empty selection is an informational outcome,
// not an error. The remote staging archive is removed best-effort on
// every path that created it.
func (c *Cluster) SnapshotExport(ctx context.Context, pod string, chain string, localDir string, nameFilters []string) error {
	base := ChainDataDir(chain)

	// discover
	sess, err := c.Exec(ctx, ExecSpec{
		Pod:     pod,
		Command: buildFindCommand(base, nameFilters),
	})
	if err != nil {
		return err
	}
	stdout, stderr, err := sess.Collect()
	if err != nil {
		var exit kexec.CodeExitError
		if !errors.As(err, &exit) {
			return err
		}
		// find exits non-zero when the base directory is missing; not
		// distinguished from an empty selection
		c.log.Warnf("find on %s: %s", pod, strings.TrimSpace(string(stderr)))
	}

	relpaths := relativePaths(base, parseLines(stdout))
	if len(relpaths) == 0 {
		c.log.Info("no matching files or directories found")
		return nil
	}
	c.log.Infof("archiving %d paths under %s on %s", len(relpaths), base, pod)

	// archive
	tarSess, err := c.Exec(ctx, ExecSpec{
		Pod:     pod,
		Command: append([]string{"tar", "-czf", remoteSnapshotArchive, "-C", base}, relpaths...),
	})
	if err != nil {
		return err
	}
	defer c.removeRemoteArchive(pod)

	if _, tarStderr, err := tarSess.Collect(); err != nil {
		return fmt.Errorf(
			"archiving %s on %s: %w (stderr: %s)",
			base, pod, err, strings.TrimSpace(string(tarStderr)),
		)
	}

	// copy out; `kubectl cp` is the one transfer not worth reimplementing
	// over the exec stream here
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return xerrors.Wrap(err)
	}
	localFile := filepath.Join(localDir, fmt.Sprintf("%s_%s_data.tar.gz", pod, chain))
	if _, err := c.runner.Run(
		ctx,
		"kubectl", "cp",
		fmt.Sprintf("%s/%s:%s", c.namespace, pod, remoteSnapshotArchive),
		localFile,
	); err != nil {
		return fmt.Errorf("copying archive out of %s: %w", pod, err)
	}

	c.describeArchive(localFile)
	c.log.Infof("node data exported to %s", localFile)
	c.log.Infof(
		"to repopulate a data directory: tar -xzf %s -C /path/to/destination/.bitcoin/%s",
		localFile, chain,
	)
	return nil
}

type transferOptions struct {
	// proxy wraps the local archive writer, e.g. with a progress bar.
	proxy func(io.Writer) io.Writer
}

type TransferOption func(*transferOptions)

// WithProgressProxy wraps Download's local archive writer, letting the
// caller observe bytes as they land (progress reporting).
func WithProgressProxy(proxy func(io.Writer) io.Writer) TransferOption {
	return func(o *transferOptions) {
		o.proxy = proxy
	}
}

// Download copies sourcePath (file or directory) out of the pod into
// destDir, preserving the directory structure rooted at the source's own
// name. Returns destDir.
//
// The remote side streams a tar of the source to stdout; no remote
// temporary file is created. On a transport failure the partially written
// local archive is left in place for inspection.
func (c *Cluster) Download(ctx context.Context, pod string, sourcePath string, destDir string, options ...TransferOption) (string, error) {
	opt := &transferOptions{}
	for _, o := range options {
		o(opt)
	}

	src := path.Clean(sourcePath)
	name := path.Base(src)
	stem := strings.TrimSuffix(name, path.Ext(name))

	if err := os.MkdirAll(filepath.Join(destDir, stem), 0755); err != nil {
		return "", xerrors.Wrap(err)
	}

	sess, err := c.Exec(ctx, ExecSpec{
		Pod:     pod,
		Command: []string{"tar", "cf", "-", "-C", path.Dir(src), name},
	})
	if err != nil {
		return "", err
	}

	tarFile := filepath.Join(destDir, stem+".tar")
	err = func() error {
		f, err := os.Create(tarFile)
		if err != nil {
			sess.Close()
			return xerrors.Wrap(err)
		}
		defer f.Close()

		var w io.Writer = f
		if opt.proxy != nil {
			w = opt.proxy(f)
		}

		for chunk := range sess.Output() {
			switch chunk.Stream {
			case Stdout:
				if _, err := w.Write(chunk.Data); err != nil {
					sess.Close()
					return xerrors.Wrap(err)
				}
			case Stderr:
				c.log.Warnf("tar on %s: %s", pod, strings.TrimSpace(string(chunk.Data)))
			}
		}
		defer sess.Close()
		return sess.Wait()
	}()
	if err != nil {
		return "", err
	}

	if err := c.extractLocal(ctx, tarFile, destDir); err != nil {
		return "", err
	}
	if err := os.Remove(tarFile); err != nil {
		c.log.Warnf("cannot remove intermediate archive %s: %s", tarFile, err)
	}
	return destDir, nil
}

func (c *Cluster) extractLocal(ctx context.Context, tarFile string, destDir string) error {
	f, err := os.Open(tarFile)
	if err != nil {
		return xerrors.Wrap(err)
	}
	defer f.Close()
	if err := archive.Untar(ctx, f, destDir); err != nil {
		return xerrors.WrapWithNote("extracting "+tarFile, err)
	}
	return nil
}

// removeRemoteArchive removes the snapshot staging archive. Best-effort:
// failures are warnings and never mask the primary operation's outcome.
func (c *Cluster) removeRemoteArchive(pod string) {
	// the primary operation's context may be gone already
	ctx := context.Background()

	sess, err := c.Exec(ctx, ExecSpec{
		Pod:     pod,
		Command: []string{"rm", "-f", remoteSnapshotArchive},
	})
	if err != nil {
		c.log.Warnf("cannot clean up %s on %s: %s", remoteSnapshotArchive, pod, err)
		return
	}
	if _, _, err := sess.Collect(); err != nil {
		c.log.Warnf("cannot clean up %s on %s: %s", remoteSnapshotArchive, pod, err)
	}
}

// describeArchive logs a summary of an exported *.tar.gz. Inspection
// only; failures are warnings.
func (c *Cluster) describeArchive(localFile string) {
	f, err := os.Open(localFile)
	if err != nil {
		c.log.Warnf("cannot inspect %s: %s", localFile, err)
		return
	}
	defer f.Close()

	entries, rawSize := 0, int64(0)
	err = archive.TarGzWalk(f, func(hdr *tar.Header, _ io.Reader, err error) error {
		if err != nil {
			return err
		}
		entries += 1
		rawSize += hdr.Size
		return nil
	})
	if err != nil {
		c.log.Warnf("cannot inspect %s: %s", localFile, err)
		return
	}
	c.log.Infof("%s: %d entries, %d bytes raw", localFile, entries, rawSize)
}

// buildFindCommand selects files and directories under base. Filters have
// OR semantics; no filters selects everything under base.
func buildFindCommand(base string, nameFilters []string) []string {
	if len(nameFilters) == 0 {
		return []string{"find", base}
	}
	command := []string{
		"find", base,
		"(", "-type", "f", "-o", "-type", "d", ")",
		"(", "-name", nameFilters[0],
	}
	for _, f := range nameFilters[1:] {
		command = append(command, "-o", "-name", f)
	}
	return append(command, ")")
}

func parseLines(raw []byte) []string {
	lines := []string{}
	for _, l := range strings.Split(string(raw), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// relativePaths rebases absolute paths found under base so the archive's
// internal structure stays portable. The base directory itself is
// dropped.
func relativePaths(base string, found []string) []string {
	base = strings.TrimSuffix(base, "/")
	rels := []string{}
	for _, f := range found {
		if f == base {
			continue
		}
		if rel := strings.TrimPrefix(f, base+"/"); rel != "" && rel != f {
			rels = append(rels, rel)
		}
	}
	return rels
}
