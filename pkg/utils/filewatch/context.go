// Package filewatch cancels contexts when a file changes on disk.
package filewatch

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// UntilModifyContext returns a context canceled when path is modified
// (written, created, removed or renamed). The cancel cause names the
// event; context.Cause tells a modification apart from the caller's own
// cancelation.
//
// # Returns
//
// - context.Context: canceled on the first modification of path.
//
// - func(): cancel function, to be called when the watch is no longer
// needed.
//
// - error: watching could not be started. On error, both the context and
// the cancel function are nil.
func UntilModifyContext(ctx context.Context, path string) (context.Context, func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, nil, err
	}

	cctx, cancel := context.WithCancelCause(ctx)
	go func() {
		defer w.Close()
		select {
		case <-cctx.Done():
		case event, ok := <-w.Events:
			if ok {
				cancel(fmt.Errorf("%s is updated (%s)", event.Name, event.Op))
			}
		case err, ok := <-w.Errors:
			if ok {
				cancel(err)
			}
		}
	}()
	return cctx, func() { cancel(nil) }, nil
}
