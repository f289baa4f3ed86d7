/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package accountdb

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Logger is the subset of *internal/log.Logger the watcher needs.
type Logger interface {
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
}

// Watcher notices changes to a single passwd-format file. Editors and
// account-management tools commonly replace the file atomically (write a
// temp file, rename over the original) rather than writing in place, so
// the watcher arms on the containing directory and filters by basename;
// a plain file watch would miss the rename and go silently stale.
type Watcher struct {
	fsw     *fsnotify.Watcher
	path    string
	base    string
	changed chan struct{}
	errs    chan error
	done    chan struct{}
	log     Logger
}

// NewWatcher arms a watch on the directory containing path and starts the
// background routine that turns filesystem events into change
// notifications. Callers read from Changed() to learn when to re-run
// ReadEligible.
func NewWatcher(path string, logger Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		fsw:     fsw,
		path:    path,
		base:    filepath.Base(path),
		changed: make(chan struct{}, 1),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		log:     logger,
	}
	go w.routine()
	return w, nil
}

// Changed signals, coalesced, whenever the watched file is created,
// written, renamed, or removed. The channel is buffered by one so a
// consumer that's momentarily busy doesn't miss the fact that *something*
// changed, even if it misses how many times.
func (w *Watcher) Changed() <-chan struct{} { return w.changed }

// Errors carries fsnotify's own internal errors, which the caller should
// log; the watcher keeps running either way.
func (w *Watcher) Errors() <-chan error { return w.errs }

func (w *Watcher) routine() {
	for {
		select {
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(evt.Name) != w.base {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
				continue
			}
			w.notify()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) notify() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

// Close stops the watcher's routine and releases the underlying fsnotify
// watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
