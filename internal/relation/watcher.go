// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"gopkg.in/tomb.v2"
)

// ChangedTopic is published on the hub whenever the relation payloads
// change on disk: endpoints updated, a relation added or broken.
const ChangedTopic = "relation.changed"

// ChangedEvent is the payload published with ChangedTopic.
type ChangedEvent struct {
	File string
}

// Watcher publishes ChangedTopic whenever a payload file in the
// relations directory is created, rewritten or removed.
type Watcher struct {
	tomb tomb.Tomb

	dir     string
	hub     *pubsub.SimpleHub
	watcher *fsnotify.Watcher
}

// NewWatcher returns a running watcher over dir publishing to hub.
func NewWatcher(dir string, hub *pubsub.SimpleHub) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Annotate(err, "creating relation watcher")
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, errors.Annotatef(err, "watching relations directory %q", dir)
	}
	w := &Watcher{
		dir:     dir,
		hub:     hub,
		watcher: fsw,
	}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Watcher) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Watcher) Wait() error {
	return w.tomb.Wait()
}

func (w *Watcher) loop() error {
	defer func() { _ = w.watcher.Close() }()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("relation watcher closed unexpectedly")
			}
			if filepath.Ext(event.Name) != ".yaml" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debugf("relation payload change: %s", event)
			w.hub.Publish(ChangedTopic, ChangedEvent{File: event.Name})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("relation watcher closed unexpectedly")
			}
			return errors.Annotate(err, "relation watcher")
		}
	}
}
