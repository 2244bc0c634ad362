package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
)

// Untar expands a (plain, uncompressed) tar stream into dest.
//
// Directories are created as needed. Regular files and symlinks are
// restored; other entry types are skipped. Reading stops at io.EOF or
// when ctx is done.
func Untar(ctx context.Context, src io.Reader, dest string) error {
	tarr := tar.NewReader(src)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		hdr, err := tarr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Name == "" {
			continue
		}

		fullpath := filepath.Join(dest, hdr.Name)
		if err := os.MkdirAll(filepath.Dir(fullpath), 0766); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(fullpath, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, fullpath); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := func() error {
				fp, err := os.OpenFile(fullpath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(hdr.Mode))
				if err != nil {
					return err
				}
				defer fp.Close()
				_, err = io.Copy(fp, &ctxReader{ctx: ctx, r: tarr})
				return err
			}(); err != nil {
				return err
			}
		default:
			// char/block devices, fifo: not expected from pod filesystems we export
		}
	}
}

type walkBreak struct{}

func (walkBreak) Error() string {
	return "walk break"
}

// WalkBreak is returned by a TarWalker to stop walking without error.
func WalkBreak() error {
	return walkBreak{}
}

// TarWalker handles one tar entry.
//
// args:
//   - header: header of the tar entry
//   - payload: reader over the entry content
//   - err: error raised while getting the entry (never io.EOF)
//
// Returning WalkBreak() terminates the walk early without error.
type TarWalker func(header *tar.Header, payload io.Reader, err error) error

// TarGzWalk traverses entries of a *.tar.gz stream.
//
// `from` is not closed by this function.
func TarGzWalk(from io.Reader, walker TarWalker) error {
	gzin, err := gzip.NewReader(from)
	if err != nil {
		return err
	}
	defer gzin.Close()

	tarin := tar.NewReader(gzin)
	for {
		header, err := tarin.Next()
		if err == io.EOF {
			return nil
		}
		err = walker(header, tarin, err)
		if err == nil {
			continue
		}
		switch err.(type) {
		case walkBreak:
			return nil
		default:
			return err
		}
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	default:
	}
	return r.r.Read(p)
}
