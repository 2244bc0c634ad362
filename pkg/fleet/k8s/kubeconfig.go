package k8s

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	xerrors "github.com/flotilla-dev/flotilla/pkg/errors"
)

// Kubeconfig is a parsed kubeconfig document. It is kept schema-free so
// rewriting a config preserves fields this package does not know about.
type Kubeconfig map[string]any

// OpenKubeconfig reads and parses a kubeconfig file.
func OpenKubeconfig(path string) (Kubeconfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.WrapWithNote("kubeconfig "+path, err)
	}
	doc := Kubeconfig{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.WrapWithNote("parsing kubeconfig "+path, err)
	}
	return doc, nil
}

// WriteKubeconfig writes the document to path atomically: the document is
// serialized to a temporary file in the destination directory and renamed
// into place. A failed write leaves the prior file untouched.
func WriteKubeconfig(doc Kubeconfig, path string) error {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return xerrors.Wrap(err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".kubeconfig-*")
	if err != nil {
		return xerrors.Wrap(err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return xerrors.WrapWithNote("writing kubeconfig "+path, err)
	}
	return nil
}

// CurrentContext returns the document's current-context name.
func (doc Kubeconfig) CurrentContext() (string, error) {
	name, ok := doc["current-context"].(string)
	if !ok || name == "" {
		return "", fmt.Errorf("no current context found in kubeconfig")
	}
	return name, nil
}

// ClusterOfCurrentContext returns the cluster entry the current context
// points at.
func (doc Kubeconfig) ClusterOfCurrentContext() (map[string]any, error) {
	current, err := doc.CurrentContext()
	if err != nil {
		return nil, err
	}

	contextEntry, err := findNamedEntry(doc["contexts"], current)
	if err != nil {
		return nil, fmt.Errorf("context %q not found in kubeconfig", current)
	}
	contextBody, _ := contextEntry["context"].(map[string]any)
	clusterName, _ := contextBody["cluster"].(string)
	if clusterName == "" {
		return nil, fmt.Errorf("cluster not specified in context %q", current)
	}

	clusterEntry, err := findNamedEntry(doc["clusters"], clusterName)
	if err != nil {
		return nil, fmt.Errorf("cluster %q not found in kubeconfig", clusterName)
	}
	return clusterEntry, nil
}

func findNamedEntry(list any, name string) (map[string]any, error) {
	entries, ok := list.([]any)
	if !ok {
		return nil, fmt.Errorf("no entries")
	}
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if n, _ := entry["name"].(string); n == name {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("entry %q not found", name)
}
