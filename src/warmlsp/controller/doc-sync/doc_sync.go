// Package docsync keeps a language server's view of project files in step with the disk.
package docsync

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"github.com/uber/warmlsp/src/warmlsp/internal/fs"
	"github.com/uber/warmlsp/src/warmlsp/mapper"
	"go.lsp.dev/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const _defaultLanguageID = "plaintext"

// Notifier sends notifications to the language server.
type Notifier interface {
	Notify(ctx context.Context, method string, params interface{}) error
}

// Options configures a Tracker.
type Options struct {
	Notifier Notifier
	FS       fs.WarmFS
	Logger   *zap.SugaredLogger
	Scope    tally.Scope

	MaxFileSizeBytes int64
	// LanguageIDs maps file extensions, including the dot, to LSP language ids.
	LanguageIDs map[string]string
	// Incremental sends ranged edits instead of the full text on change.
	Incremental bool
	// Watch uses filesystem events to skip re-reading files that did not change.
	Watch bool
	// OnVersion is called with each new version before the notification announcing it is sent.
	OnVersion func(uri protocol.DocumentURI, version int32)
	// OnForget is called when a document is closed or discarded.
	OnForget func(uri protocol.DocumentURI)
}

// Document is the state of one file as last sent to the server.
type Document struct {
	Path    string
	URI     protocol.DocumentURI
	Version int32
	Text    []byte
}

type entry struct {
	// mu orders content changes against requests: sync holds it for writing,
	// requests that reference the document hold it for reading until they complete.
	mu        sync.RWMutex
	path      string
	uri       protocol.DocumentURI
	announced bool
	version   int32
	text      []byte

	dirty atomic.Bool
}

// Tracker records which documents were announced to one language server and at which version.
type Tracker struct {
	notifier    Notifier
	fs          fs.WarmFS
	logger      *zap.SugaredLogger
	maxFileSize int64
	languageIDs map[string]string
	incremental bool
	onVersion   func(protocol.DocumentURI, int32)
	onForget    func(protocol.DocumentURI)

	openDocs  tally.Gauge
	openBytes tally.Gauge
	docCount  atomic.Int64
	byteCount atomic.Int64

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	watcher *fsnotify.Watcher
	watched map[string]struct{}
	done    chan struct{}
}

// New creates a Tracker. With Options.Watch set it starts a filesystem watcher, falling back to
// re-reading files on every reference if the watcher cannot be created.
func New(opts Options) (*Tracker, error) {
	if opts.Notifier == nil {
		return nil, fmt.Errorf("docsync: notifier is required")
	}
	if opts.MaxFileSizeBytes <= 0 {
		return nil, fmt.Errorf("docsync: max file size is not set")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}
	if opts.OnVersion == nil {
		opts.OnVersion = func(protocol.DocumentURI, int32) {}
	}
	if opts.OnForget == nil {
		opts.OnForget = func(protocol.DocumentURI) {}
	}

	t := &Tracker{
		notifier:    opts.Notifier,
		fs:          opts.FS,
		logger:      opts.Logger,
		maxFileSize: opts.MaxFileSizeBytes,
		languageIDs: opts.LanguageIDs,
		incremental: opts.Incremental,
		onVersion:   opts.OnVersion,
		onForget:    opts.OnForget,
		openDocs:    opts.Scope.Gauge("open_docs"),
		openBytes:   opts.Scope.Gauge("open_bytes"),
		entries:     make(map[string]*entry),
		watched:     make(map[string]struct{}),
		done:        make(chan struct{}),
	}

	if opts.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			t.logger.Warnw("file watcher unavailable, files will be re-read on every reference", "error", err)
		} else {
			t.watcher = w
			go t.watch()
		}
	}
	if t.watcher == nil {
		close(t.done)
	}
	return t, nil
}

// Lease holds the documents of one request at the version they were synced to.
// Content changes to those documents wait until the lease is released.
type Lease struct {
	docs    []Document
	entries []*entry
	once    sync.Once
}

// Documents returns the synced documents in path order.
func (l *Lease) Documents() []Document {
	return l.docs
}

// Document returns the synced document for path.
func (l *Lease) Document(path string) (Document, bool) {
	for _, d := range l.docs {
		if d.Path == path {
			return d, true
		}
	}
	return Document{}, false
}

// Release allows later changes to the leased documents. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		for i := len(l.entries) - 1; i >= 0; i-- {
			l.entries[i].mu.RUnlock()
		}
	})
}

// Acquire brings every path up to date on the server and returns a lease over the result.
// The caller must release the lease once the request that depends on the documents has completed.
// Requests on documents that are already current share the lease without waiting for each other.
func (t *Tracker) Acquire(ctx context.Context, paths ...string) (*Lease, error) {
	sorted := dedupe(paths)
	lease := &Lease{}

	// Locks are taken in path order so that multi-document requests cannot deadlock.
	for _, path := range sorted {
		e, err := t.entry(path)
		if err != nil {
			lease.Release()
			return nil, err
		}
		if err := t.hold(ctx, e); err != nil {
			lease.Release()
			return nil, err
		}
		lease.entries = append(lease.entries, e)
		lease.docs = append(lease.docs, Document{Path: e.path, URI: e.uri, Version: e.version, Text: e.text})
	}
	return lease, nil
}

// hold returns with e read-locked at a version matching the disk. The write lock is only
// taken when the document has to be announced or changed.
func (t *Tracker) hold(ctx context.Context, e *entry) error {
	e.mu.RLock()
	current, err := t.current(e)
	if err != nil {
		e.mu.RUnlock()
		return err
	}
	if current {
		return nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	err = t.sync(ctx, e)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.mu.RLock()
	return nil
}

// current reports whether the server already has the disk content of e.
// It must be called with e.mu held for reading.
func (t *Tracker) current(e *entry) (bool, error) {
	if !e.announced {
		return false, nil
	}
	if t.watching() && !e.dirty.Load() {
		return true, nil
	}

	e.dirty.Store(false)
	text, err := t.read(e.path)
	if err != nil {
		return false, err
	}
	if bytes.Equal(text, e.text) {
		return true, nil
	}
	// Left for sync, which runs under the write lock.
	e.dirty.Store(true)
	return false, nil
}

// OpenDocuments returns the number of announced documents.
func (t *Tracker) OpenDocuments() int {
	return int(t.docCount.Load())
}

// Close sends textDocument/didClose for every announced document and stops the watcher.
// It waits for leases on those documents to be released.
func (t *Tracker) Close(ctx context.Context) error {
	entries, ok := t.shutdown()
	if !ok {
		return nil
	}

	var errs error
	for _, e := range entries {
		e.mu.Lock()
		if e.announced {
			params := protocol.DidCloseTextDocumentParams{TextDocument: protocol.TextDocumentIdentifier{URI: e.uri}}
			if err := t.notifier.Notify(ctx, protocol.MethodTextDocumentDidClose, params); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("closing %s: %w", e.path, err))
			}
			t.forget(e)
		}
		e.mu.Unlock()
	}
	return errs
}

// Discard forgets every document without notifying the server, for servers that are already gone.
func (t *Tracker) Discard() {
	entries, ok := t.shutdown()
	if !ok {
		return
	}
	for _, e := range entries {
		e.mu.Lock()
		if e.announced {
			t.forget(e)
		}
		e.mu.Unlock()
	}
}

// forget must be called with e.mu held for writing.
func (t *Tracker) forget(e *entry) {
	t.track(-1, -int64(len(e.text)))
	e.announced = false
	e.text = nil
	t.onForget(e.uri)
}

// shutdown marks the tracker closed, stops the watcher and returns the entries in path order.
func (t *Tracker) shutdown() ([]*entry, bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, false
	}
	t.closed = true
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	watcher := t.watcher
	t.mu.Unlock()

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			t.logger.Debugw("closing file watcher", "error", err)
		}
	}
	<-t.done

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
	return entries, true
}

func (t *Tracker) entry(path string) (*entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.ErrSessionStopping
	}
	if e, ok := t.entries[path]; ok {
		return e, nil
	}
	e := &entry{path: path, uri: mapper.PathToURI(path)}
	t.entries[path] = e
	return e, nil
}

// sync must be called with e.mu held for writing.
func (t *Tracker) sync(ctx context.Context, e *entry) error {
	if !e.announced {
		return t.announce(ctx, e)
	}

	if t.watching() && !e.dirty.Load() {
		return nil
	}
	// Cleared before reading so that an event during the read is not lost.
	e.dirty.Store(false)

	text, err := t.read(e.path)
	if err != nil {
		return err
	}
	if bytes.Equal(text, e.text) {
		return nil
	}

	change, err := mapper.ContentToChange(e.text, text, t.incremental)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, fmt.Sprintf("computing change for %s", e.path))
	}
	next := e.version + 1
	t.onVersion(e.uri, next)
	params := mapper.DidChangeParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: e.uri},
			Version:                next,
		},
		ContentChanges: []mapper.ContentChange{change},
	}
	if err := t.notifier.Notify(ctx, protocol.MethodTextDocumentDidChange, params); err != nil {
		return err
	}

	t.logger.Debugw("changed document", "path", e.path, "version", next)
	t.track(0, int64(len(text)-len(e.text)))
	e.version = next
	e.text = text
	return nil
}

func (t *Tracker) announce(ctx context.Context, e *entry) error {
	t.addWatch(filepath.Dir(e.path))
	e.dirty.Store(false)

	text, err := t.read(e.path)
	if err != nil {
		return err
	}

	const version = 1
	t.onVersion(e.uri, version)
	params := protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        e.uri,
			LanguageID: protocol.LanguageIdentifier(t.languageID(e.path)),
			Version:    version,
			Text:       string(text),
		},
	}
	if err := t.notifier.Notify(ctx, protocol.MethodTextDocumentDidOpen, params); err != nil {
		return err
	}

	t.logger.Debugw("announced document", "path", e.path)
	e.announced = true
	e.version = version
	e.text = text
	t.track(1, int64(len(text)))
	return nil
}

func (t *Tracker) read(path string) ([]byte, error) {
	info, err := t.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.DocumentNotFoundError{Path: path}
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, errors.Newf(errors.KindInvalidRequest, "%q is a directory", path)
	}
	if info.Size() > t.maxFileSize {
		return nil, &errors.DocumentSizeLimitError{Path: path, Size: info.Size()}
	}

	text, err := t.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.DocumentNotFoundError{Path: path}
		}
		return nil, err
	}
	// The file may have grown between Stat and ReadFile.
	if int64(len(text)) > t.maxFileSize {
		return nil, &errors.DocumentSizeLimitError{Path: path, Size: int64(len(text))}
	}
	return text, nil
}

func (t *Tracker) languageID(path string) string {
	if id, ok := t.languageIDs[filepath.Ext(path)]; ok {
		return id
	}
	return _defaultLanguageID
}

func (t *Tracker) watching() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watcher != nil
}

func (t *Tracker) addWatch(dir string) {
	t.mu.Lock()
	if t.watcher == nil {
		t.mu.Unlock()
		return
	}
	if _, ok := t.watched[dir]; ok {
		t.mu.Unlock()
		return
	}
	err := t.watcher.Add(dir)
	if err == nil {
		t.watched[dir] = struct{}{}
		t.mu.Unlock()
		return
	}

	// Files in dir can never be marked dirty, so the watcher is no longer trusted at all.
	watcher := t.watcher
	t.watcher = nil
	t.mu.Unlock()
	t.logger.Warnw("watching directory failed, files will be re-read on every reference", "dir", dir, "error", err)
	watcher.Close()
}

func (t *Tracker) watch() {
	defer close(t.done)
	events, errs := t.watcher.Events, t.watcher.Errors
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			t.mu.Lock()
			e, ok := t.entries[filepath.Clean(ev.Name)]
			t.mu.Unlock()
			if ok {
				e.dirty.Store(true)
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			t.logger.Warnw("file watcher error", "error", err)
		}
	}
}

// track adjusts the open document gauges by the given deltas.
func (t *Tracker) track(docs, size int64) {
	t.openDocs.Update(float64(t.docCount.Add(docs)))
	t.openBytes.Update(float64(t.byteCount.Add(size)))
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
