package archive_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/flotilla-dev/flotilla/pkg/utils/archive"
	"github.com/flotilla-dev/flotilla/pkg/utils/try"
)

type entry struct {
	name     string
	typeflag byte
	content  string
	linkname string
}

func buildTar(t *testing.T, entries []entry) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := tar.NewWriter(buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     0644,
			Linkname: e.linkname,
			Size:     int64(len(e.content)),
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0755
		}
		if err := w.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if e.content != "" {
			if _, err := w.Write([]byte(e.content)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUntar(t *testing.T) {
	t.Run("directories, files and symlinks are restored", func(t *testing.T) {
		ctx := context.Background()
		dest := t.TempDir()

		src := buildTar(t, []entry{
			{name: "data", typeflag: tar.TypeDir},
			{name: "data/blocks", typeflag: tar.TypeDir},
			{name: "data/blocks/blk00000.dat", typeflag: tar.TypeReg, content: "block bytes"},
			{name: "data/latest", typeflag: tar.TypeSymlink, linkname: "blocks/blk00000.dat"},
		})

		if err := archive.Untar(ctx, bytes.NewReader(src), dest); err != nil {
			t.Fatal(err)
		}

		content := try.To(os.ReadFile(filepath.Join(dest, "data", "blocks", "blk00000.dat"))).OrFatal(t)
		if string(content) != "block bytes" {
			t.Errorf("unexpected content: %q", string(content))
		}

		link := try.To(os.Readlink(filepath.Join(dest, "data", "latest"))).OrFatal(t)
		if link != "blocks/blk00000.dat" {
			t.Errorf("unexpected link target: %q", link)
		}

		stat := try.To(os.Stat(filepath.Join(dest, "data", "blocks"))).OrFatal(t)
		if !stat.IsDir() {
			t.Error("directory entry was not restored as a directory")
		}
	})

	t.Run("a file can precede its directory entry", func(t *testing.T) {
		ctx := context.Background()
		dest := t.TempDir()

		src := buildTar(t, []entry{
			{name: "deep/nested/file.txt", typeflag: tar.TypeReg, content: "x"},
		})
		if err := archive.Untar(ctx, bytes.NewReader(src), dest); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(dest, "deep", "nested", "file.txt")); err != nil {
			t.Error(err)
		}
	})

	t.Run("cancelation interrupts extraction", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		src := buildTar(t, []entry{
			{name: "file.txt", typeflag: tar.TypeReg, content: "x"},
		})
		if err := archive.Untar(ctx, bytes.NewReader(src), t.TempDir()); err == nil {
			t.Error("canceled extraction reported success")
		}
	})

	t.Run("a truncated stream is an error", func(t *testing.T) {
		ctx := context.Background()
		src := buildTar(t, []entry{
			{name: "file.txt", typeflag: tar.TypeReg, content: "full content here"},
		})
		// cut inside the content block
		if err := archive.Untar(ctx, bytes.NewReader(src[:700]), t.TempDir()); err == nil {
			t.Error("truncated stream was accepted")
		}
	})
}

func TestTarGzWalk(t *testing.T) {
	gzipped := func(t *testing.T, raw []byte) []byte {
		t.Helper()
		buf := &bytes.Buffer{}
		gz := gzip.NewWriter(buf)
		if _, err := gz.Write(raw); err != nil {
			t.Fatal(err)
		}
		if err := gz.Close(); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}

	t.Run("every entry is visited in order", func(t *testing.T) {
		src := gzipped(t, buildTar(t, []entry{
			{name: "a.txt", typeflag: tar.TypeReg, content: "aaa"},
			{name: "b.txt", typeflag: tar.TypeReg, content: "bb"},
		}))

		names := []string{}
		sizes := int64(0)
		err := archive.TarGzWalk(bytes.NewReader(src), func(hdr *tar.Header, payload io.Reader, err error) error {
			if err != nil {
				return err
			}
			names = append(names, hdr.Name)
			sizes += hdr.Size
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
			t.Errorf("unexpected entries: %v", names)
		}
		if sizes != 5 {
			t.Errorf("unexpected total size: %d", sizes)
		}
	})

	t.Run("WalkBreak stops early without error", func(t *testing.T) {
		src := gzipped(t, buildTar(t, []entry{
			{name: "a.txt", typeflag: tar.TypeReg, content: "aaa"},
			{name: "b.txt", typeflag: tar.TypeReg, content: "bb"},
		}))

		visited := 0
		err := archive.TarGzWalk(bytes.NewReader(src), func(hdr *tar.Header, payload io.Reader, err error) error {
			if err != nil {
				return err
			}
			visited += 1
			return archive.WalkBreak()
		})
		if err != nil {
			t.Fatal(err)
		}
		if visited != 1 {
			t.Errorf("walk did not stop: visited %d entries", visited)
		}
	})

	t.Run("a non-gzip stream is rejected", func(t *testing.T) {
		err := archive.TarGzWalk(bytes.NewReader([]byte("plain text")), func(hdr *tar.Header, payload io.Reader, err error) error {
			return err
		})
		if err == nil {
			t.Error("non-gzip stream was accepted")
		}
	})
}
