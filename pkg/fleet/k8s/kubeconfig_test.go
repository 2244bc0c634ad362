package k8s_test

import (
	"os"
	"path/filepath"
	"testing"

	k8s "github.com/flotilla-dev/flotilla/pkg/fleet/k8s"
	"github.com/flotilla-dev/flotilla/pkg/utils/try"
)

const sampleKubeconfig = `apiVersion: v1
kind: Config
current-context: fleet-context
contexts:
  - name: fleet-context
    context:
      cluster: fleet-cluster
      namespace: fleet-alpha
  - name: other-context
    context:
      cluster: other-cluster
clusters:
  - name: fleet-cluster
    cluster:
      server: https://fleet.example.com:6443
  - name: other-cluster
    cluster:
      server: https://other.example.com:6443
x-custom-extension: keep me
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte(sampleKubeconfig), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestKubeconfig(t *testing.T) {
	t.Run("current context and its cluster are resolved", func(t *testing.T) {
		doc := try.To(k8s.OpenKubeconfig(writeSample(t))).OrFatal(t)

		current := try.To(doc.CurrentContext()).OrFatal(t)
		if current != "fleet-context" {
			t.Errorf("unexpected current context: %s", current)
		}

		cluster := try.To(doc.ClusterOfCurrentContext()).OrFatal(t)
		if name, _ := cluster["name"].(string); name != "fleet-cluster" {
			t.Errorf("unexpected cluster: %v", cluster)
		}
		body, _ := cluster["cluster"].(map[string]any)
		if server, _ := body["server"].(string); server != "https://fleet.example.com:6443" {
			t.Errorf("unexpected server: %v", body)
		}
	})

	t.Run("a document without current-context is rejected", func(t *testing.T) {
		doc := k8s.Kubeconfig{"apiVersion": "v1"}
		if _, err := doc.CurrentContext(); err == nil {
			t.Error("missing current-context was accepted")
		}
		if _, err := doc.ClusterOfCurrentContext(); err == nil {
			t.Error("missing current-context was accepted")
		}
	})

	t.Run("a context pointing at an unknown cluster is rejected", func(t *testing.T) {
		doc := k8s.Kubeconfig{
			"current-context": "ctx",
			"contexts": []any{
				map[string]any{
					"name":    "ctx",
					"context": map[string]any{"cluster": "gone"},
				},
			},
			"clusters": []any{},
		}
		if _, err := doc.ClusterOfCurrentContext(); err == nil {
			t.Error("dangling cluster reference was accepted")
		}
	})

	t.Run("a rewrite preserves fields this package does not model", func(t *testing.T) {
		src := writeSample(t)
		doc := try.To(k8s.OpenKubeconfig(src)).OrFatal(t)

		dest := filepath.Join(t.TempDir(), "config")
		if err := k8s.WriteKubeconfig(doc, dest); err != nil {
			t.Fatal(err)
		}

		reread := try.To(k8s.OpenKubeconfig(dest)).OrFatal(t)
		if ext, _ := reread["x-custom-extension"].(string); ext != "keep me" {
			t.Errorf("extension field lost: %v", reread["x-custom-extension"])
		}
		current := try.To(reread.CurrentContext()).OrFatal(t)
		if current != "fleet-context" {
			t.Errorf("unexpected current context after rewrite: %s", current)
		}
	})

	t.Run("a failed write leaves no temp droppings", func(t *testing.T) {
		dir := t.TempDir()
		doc := k8s.Kubeconfig{"apiVersion": "v1"}

		// destination directory does not exist
		if err := k8s.WriteKubeconfig(doc, filepath.Join(dir, "no-such-dir", "config")); err == nil {
			t.Fatal("write into a missing directory succeeded")
		}
		entries := try.To(os.ReadDir(dir)).OrFatal(t)
		if len(entries) != 0 {
			t.Errorf("unexpected leftovers: %v", entries)
		}
	})

	t.Run("opening a missing file fails", func(t *testing.T) {
		if _, err := k8s.OpenKubeconfig(filepath.Join(t.TempDir(), "nope")); err == nil {
			t.Error("missing file was accepted")
		}
	})
}
