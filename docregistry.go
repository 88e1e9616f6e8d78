package main

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gamma-omg/rag-chat/docstore"
	"github.com/gamma-omg/rag-chat/readers"
)

type ingester interface {
	Ingest(ctx context.Context, docID string, text string) (*docstore.Index, docstore.IngestStats, error)
}

// Document is a file under the registry root together with its index.
type Document struct {
	Name     string
	File     string
	Crc      uint32
	Index    *docstore.Index
	Stats    docstore.IngestStats
	Ingested time.Time
}

type DocRegistry struct {
	log              *slog.Logger
	root             string
	mergeEventsDelay time.Duration
	ingester         ingester
	readers          []readers.FileReader

	mu   sync.RWMutex
	docs map[string]*Document

	// serializes ingestion so a file is never indexed twice at once
	refreshMu sync.Mutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// Lookup returns the document registered under name, the slash separated
// path relative to the registry root.
func (dr *DocRegistry) Lookup(name string) (Document, bool) {
	dr.mu.RLock()
	defer dr.mu.RUnlock()

	doc, ok := dr.docs[name]
	if !ok {
		return Document{}, false
	}

	return *doc, true
}

func (dr *DocRegistry) List() []Document {
	dr.mu.RLock()
	docs := make([]Document, 0, len(dr.docs))
	for _, d := range dr.docs {
		docs = append(docs, *d)
	}
	dr.mu.RUnlock()

	slices.SortFunc(docs, func(a, b Document) int {
		return strings.Compare(a.Name, b.Name)
	})

	return docs
}

// Sync brings the registry in line with the files on disk: new and changed
// documents are ingested, documents whose files are gone are forgotten.
func (dr *DocRegistry) Sync(ctx context.Context) error {
	dr.refreshMu.Lock()
	defer dr.refreshMu.Unlock()

	seen := make(map[string]bool)
	var errs []error

	err := filepath.WalkDir(dr.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		name, err := dr.name(path)
		if err != nil {
			return err
		}

		ok, err := dr.ingestFile(ctx, path)
		if ok {
			seen[name] = true
		}
		if err != nil {
			dr.log.Error("failed to ingest document", "file", path, "error", err)
			errs = append(errs, err)
			if _, registered := dr.Lookup(name); registered {
				seen[name] = true
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", dr.root, err)
	}

	for _, doc := range dr.List() {
		if !seen[doc.Name] {
			dr.forget(ctx, doc.Name)
		}
	}

	return errors.Join(errs...)
}

// Watch starts watching the registry root and returns. Events on the same file
// within mergeEventsDelay are merged into a single refresh. Watching stops
// when ctx is cancelled.
func (dr *DocRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	err = dr.watchTree(watcher, dr.root)
	if err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				dr.stopTimers()
				return

			case e, ok := <-watcher.Events:
				if !ok {
					return
				}

				if e.Has(fsnotify.Create) {
					if info, err := os.Stat(e.Name); err == nil && info.IsDir() {
						if err := dr.watchTree(watcher, e.Name); err != nil {
							dr.log.Error("failed to watch directory", "dir", e.Name, "error", err)
						}
						dr.scheduleTree(ctx, e.Name)
						continue
					}
				}

				if e.Has(fsnotify.Chmod) && !e.Has(fsnotify.Write) {
					continue
				}

				dr.schedule(ctx, e.Name)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				dr.log.Error("watcher error", "error", err)
			}
		}
	}()

	return nil
}

func (dr *DocRegistry) watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}

		return nil
	})
}

func (dr *DocRegistry) scheduleTree(ctx context.Context, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			dr.schedule(ctx, path)
		}
		return nil
	})
}

func (dr *DocRegistry) schedule(ctx context.Context, path string) {
	dr.timersMu.Lock()
	defer dr.timersMu.Unlock()

	if dr.timers == nil {
		dr.timers = make(map[string]*time.Timer)
	}

	if t, ok := dr.timers[path]; ok {
		t.Reset(dr.mergeEventsDelay)
		return
	}

	dr.timers[path] = time.AfterFunc(dr.mergeEventsDelay, func() {
		dr.timersMu.Lock()
		delete(dr.timers, path)
		dr.timersMu.Unlock()

		if ctx.Err() != nil {
			return
		}

		dr.refresh(ctx, path)
	})
}

func (dr *DocRegistry) stopTimers() {
	dr.timersMu.Lock()
	defer dr.timersMu.Unlock()

	for path, t := range dr.timers {
		t.Stop()
		delete(dr.timers, path)
	}
}

func (dr *DocRegistry) refresh(ctx context.Context, path string) {
	dr.refreshMu.Lock()
	defer dr.refreshMu.Unlock()

	name, err := dr.name(path)
	if err != nil {
		dr.log.Error("file outside of document root", "file", path, "error", err)
		return
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		dr.forgetTree(ctx, name)
		return
	}
	if err != nil {
		dr.log.Error("failed to stat file", "file", path, "error", err)
		return
	}
	if info.IsDir() {
		return
	}

	_, err = dr.ingestFile(ctx, path)
	if err != nil {
		dr.log.Error("failed to ingest document", "file", path, "error", err)
	}
}

// ingestFile reads and indexes path unless its text is unchanged. The returned
// flag reports whether path is a supported document.
func (dr *DocRegistry) ingestFile(ctx context.Context, path string) (bool, error) {
	name, err := dr.name(path)
	if err != nil {
		return false, err
	}

	reader := readers.Find(dr.readers, path)
	if reader == nil {
		dr.log.Debug("unsupported file", "file", path)
		return false, nil
	}

	text, err := reader.ReadText(path)
	if err != nil {
		return true, fmt.Errorf("failed to read document %s: %w", name, err)
	}

	crc := crc32.Checksum([]byte(text), crc32.IEEETable)
	if doc, ok := dr.Lookup(name); ok && doc.Crc == crc {
		return true, nil
	}

	idx, stats, err := dr.ingester.Ingest(ctx, name, text)
	if err != nil {
		return true, fmt.Errorf("failed to ingest document %s: %w", name, err)
	}

	dr.mu.Lock()
	if dr.docs == nil {
		dr.docs = make(map[string]*Document)
	}
	prev := dr.docs[name]
	dr.docs[name] = &Document{
		Name:     name,
		File:     path,
		Crc:      crc,
		Index:    idx,
		Stats:    stats,
		Ingested: time.Now(),
	}
	dr.mu.Unlock()

	// the replaced index is unreachable through the registry from here on
	if prev != nil {
		if err := prev.Index.Drop(ctx); err != nil {
			dr.log.Warn("failed to drop replaced document index", "doc", name, "error", err)
		}
	}

	dr.log.Info("document registered", "doc", name, "chunks", stats.Chunks, "dropped", stats.Dropped)
	return true, nil
}

// forgetTree forgets name and, when name was a directory, every document below it.
func (dr *DocRegistry) forgetTree(ctx context.Context, name string) {
	prefix := name + "/"
	for _, doc := range dr.List() {
		if doc.Name == name || strings.HasPrefix(doc.Name, prefix) {
			dr.forget(ctx, doc.Name)
		}
	}
}

func (dr *DocRegistry) forget(ctx context.Context, name string) {
	dr.mu.Lock()
	doc, ok := dr.docs[name]
	delete(dr.docs, name)
	dr.mu.Unlock()

	if !ok {
		return
	}

	if err := doc.Index.Drop(ctx); err != nil {
		dr.log.Warn("failed to drop document index", "doc", name, "error", err)
	}

	dr.log.Info("document forgotten", "doc", name)
}

func (dr *DocRegistry) name(path string) (string, error) {
	rel, err := filepath.Rel(dr.root, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside of %s", path, dr.root)
	}

	return filepath.ToSlash(rel), nil
}
