// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianCache/services/cwm/observability"
)

// TamperEvent describes an external in-place mutation of a stored file.
type TamperEvent struct {
	// Path is the file that was modified.
	Path string

	// Time is when the modification was observed.
	Time time.Time
}

// TamperHandler is called for each detected tamper event.
type TamperHandler func(TamperEvent)

// IntegrityWatcher flags external mutation of a disk tier's files.
//
// # Description
//
// The disk store only ever renames complete temp files onto final paths,
// so an in-place WRITE event on a non-temp file under blocks/ or meta/
// can only come from another process. Those events are logged, counted,
// and forwarded to the handler; corruption then surfaces on the next
// read as a hash or envelope mismatch, this watcher just shortens the
// time to detection. Creates and removes are not flagged because the
// store's own renames and deletes look identical to a watcher.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single goroutine.
type IntegrityWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	handler  TamperHandler
	done     chan struct{}
	stopOnce sync.Once
	tampered atomic.Int64

	mu       sync.Mutex
	watching bool
}

// NewIntegrityWatcher creates a watcher for the disk store rooted at
// root. handler may be nil.
func NewIntegrityWatcher(root string, logger *slog.Logger, handler TamperHandler) (*IntegrityWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityWatcher{
		root:    root,
		watcher: watcher,
		logger:  logger,
		handler: handler,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the blocks and meta trees. Safe to call once.
func (w *IntegrityWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	for _, dir := range []string{
		filepath.Join(w.root, blocksDirName),
		filepath.Join(w.root, metaDirName),
	} {
		if err := w.addRecursive(dir); err != nil {
			return err
		}
	}

	go w.processEvents(ctx)
	return nil
}

// Stop halts watching. Safe to call multiple times.
func (w *IntegrityWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// TamperCount returns how many external mutations have been observed.
func (w *IntegrityWatcher) TamperCount() int64 {
	return w.tampered.Load()
}

func (w *IntegrityWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

func (w *IntegrityWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("integrity watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *IntegrityWatcher) handleEvent(event fsnotify.Event) {
	base := filepath.Base(event.Name)

	// New shard directories need their own watch.
	if event.Has(fsnotify.Create) {
		if isDir, err := statIsDir(event.Name); err == nil && isDir {
			w.watcher.Add(event.Name)
		}
		return
	}

	if !event.Has(fsnotify.Write) {
		return
	}
	if strings.HasPrefix(base, tempFilePrefix) || base == healthCheckName {
		return
	}

	w.tampered.Add(1)
	observability.RecordVerificationFailures(1)
	w.logger.Warn("external modification of stored file detected",
		slog.String("path", event.Name))
	if w.handler != nil {
		w.handler(TamperEvent{Path: event.Name, Time: time.Now()})
	}
}

func statIsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
