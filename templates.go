package main

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	templatesFolderName = "templates"
	assetsFolderName    = "assets"
)

var (
	ErrTemplateNotFound    = errors.New("template not found")
	ErrInvalidTemplateName = errors.New("invalid template name")
	ErrInvalidAssetName    = errors.New("invalid asset name")
	ErrInvalidArchive      = errors.New("invalid template archive")
)

var templateNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidTemplateName reports whether name can be used as a template folder.
func ValidTemplateName(name string) bool {
	return templateNamePattern.MatchString(name)
}

// TemplateRegistry manages the templates stored below the data folder and
// reports their lifecycle on Events.
type TemplateRegistry struct {
	dir      string
	debounce time.Duration

	mu        sync.RWMutex
	templates map[string]struct{}
	// uploaded but not yet reported by the watcher
	created map[string]struct{}

	uploadMu sync.Mutex

	watching atomic.Bool

	emitMu    sync.RWMutex
	emitDone  bool
	events    chan TemplateEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewTemplateRegistry creates the templates folder below dataFolder if needed.
func NewTemplateRegistry(dataFolder string, debounce time.Duration) (*TemplateRegistry, error) {
	dir := filepath.Join(dataFolder, templatesFolderName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates folder: %w", err)
	}
	return &TemplateRegistry{
		dir:       dir,
		debounce:  debounce,
		templates: make(map[string]struct{}),
		created:   make(map[string]struct{}),
		events:    make(chan TemplateEvent, 64),
		done:      make(chan struct{}),
	}, nil
}

// Dir returns the folder holding one sub folder per template.
func (r *TemplateRegistry) Dir() string {
	return r.dir
}

// Events delivers template lifecycle events. It is closed by Close.
func (r *TemplateRegistry) Events() <-chan TemplateEvent {
	return r.events
}

// Load scans the templates folder. It does not emit events.
func (r *TemplateRegistry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read templates folder: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() && ValidTemplateName(entry.Name()) {
			r.templates[entry.Name()] = struct{}{}
		}
	}
	slog.Info("Loaded templates", "count", len(r.templates), "folder", r.dir)
	return nil
}

// Names returns the known template names in sorted order.
func (r *TemplateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether name is a known template.
func (r *TemplateRegistry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[name]
	return ok
}

// Upload replaces the template name with the contents of a zip archive. The
// archive is extracted next to the templates and swapped in with a rename.
func (r *TemplateRegistry) Upload(name string, archive io.ReaderAt, size int64) error {
	if !ValidTemplateName(name) {
		return ErrInvalidTemplateName
	}

	zr, err := zip.NewReader(archive, size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	staging, err := os.MkdirTemp(r.dir, ".upload-"+name+"-")
	if err != nil {
		return fmt.Errorf("create staging folder: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, f := range zr.File {
		if err := extractFile(staging, f); err != nil {
			return err
		}
	}

	// One swap at a time.
	r.uploadMu.Lock()
	defer r.uploadMu.Unlock()

	target := filepath.Join(r.dir, name)
	previous := ""
	if _, err := os.Stat(target); err == nil {
		previous = staging + ".old"
		if err := os.Rename(target, previous); err != nil {
			return fmt.Errorf("move previous template: %w", err)
		}
	}
	if err := os.Rename(staging, target); err != nil {
		if previous != "" {
			if rerr := os.Rename(previous, target); rerr != nil {
				slog.Error("Could not restore previous template version", "template", name, "error", rerr)
				_ = os.RemoveAll(previous)
			}
		}
		return fmt.Errorf("install template: %w", err)
	}
	if previous != "" {
		if err := os.RemoveAll(previous); err != nil {
			slog.Warn("Could not remove previous template version", "template", name, "error", err)
		}
	}

	r.mu.Lock()
	_, known := r.templates[name]
	r.templates[name] = struct{}{}
	if !known && r.watching.Load() {
		r.created[name] = struct{}{}
	}
	r.mu.Unlock()

	slog.Info("Template uploaded", "template", name, "files", len(zr.File))
	if known {
		r.emitUnlessWatching(TemplateEvent{Kind: TemplateChanged, Template: name})
	} else {
		r.emitUnlessWatching(TemplateEvent{Kind: TemplateCreated, Template: name})
	}
	return nil
}

func extractFile(root string, f *zip.File) error {
	name := filepath.FromSlash(f.Name)
	if filepath.IsAbs(name) {
		return fmt.Errorf("%w: absolute path %q", ErrInvalidArchive, f.Name)
	}
	dest := filepath.Join(root, name)
	if dest != root && !strings.HasPrefix(dest, root+string(os.PathSeparator)) {
		return fmt.Errorf("%w: path %q escapes template folder", ErrInvalidArchive, f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create folder for %q: %w", f.Name, err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open %q: %v", ErrInvalidArchive, f.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %q: %w", f.Name, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("extract %q: %w", f.Name, err)
	}
	return out.Close()
}

// Assets lists the asset file names of a template.
func (r *TemplateRegistry) Assets(name string) ([]string, error) {
	if !r.Exists(name) {
		return nil, ErrTemplateNotFound
	}

	entries, err := os.ReadDir(filepath.Join(r.dir, name, assetsFolderName))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read assets: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// SaveAsset stores src as an asset of the template, replacing any asset with
// the same file name.
func (r *TemplateRegistry) SaveAsset(name, filename string, src io.Reader) error {
	if !r.Exists(name) {
		return ErrTemplateNotFound
	}
	filename = filepath.Base(filepath.Clean("/" + filename))
	if filename == "/" || filename == "." || strings.HasPrefix(filename, ".") {
		return ErrInvalidAssetName
	}

	dir := filepath.Join(r.dir, name, assetsFolderName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create assets folder: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".asset-*")
	if err != nil {
		return fmt.Errorf("create asset: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("write asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write asset: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, filename)); err != nil {
		return fmt.Errorf("install asset: %w", err)
	}

	slog.Info("Asset uploaded", "template", name, "asset", filename)
	r.emitUnlessWatching(TemplateEvent{Kind: TemplateChanged, Template: name})
	return nil
}

// Watch follows the templates folder and emits debounced events for every
// template that changes on disk. While the watcher runs it is the only
// source of events, so uploads are reported once.
func (r *TemplateRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := addWatches(watcher, r.dir); err != nil {
		watcher.Close()
		return err
	}

	r.watching.Store(true)
	go r.watchLoop(ctx, watcher)
	slog.Info("Watching templates folder", "folder", r.dir)
	return nil
}

type debounceFire struct {
	name string
	gen  uint64
}

func (r *TemplateRegistry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	stop := make(chan struct{})
	defer func() {
		close(stop)
		watcher.Close()
		r.watching.Store(false)
	}()

	var gen uint64
	pending := make(map[string]uint64)
	timers := make(map[string]*time.Timer)
	fire := make(chan debounceFire)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := r.templateOf(event.Name)
			if name == "" {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addWatches(watcher, event.Name); err != nil {
						slog.Warn("Could not watch template folder", "path", event.Name, "error", err)
					}
				}
			}

			gen++
			pending[name] = gen
			if t, ok := timers[name]; ok {
				t.Stop()
			}
			f := debounceFire{name: name, gen: gen}
			timers[name] = time.AfterFunc(r.debounce, func() {
				select {
				case fire <- f:
				case <-stop:
				}
			})
		case f := <-fire:
			if pending[f.name] != f.gen {
				continue
			}
			delete(pending, f.name)
			delete(timers, f.name)
			r.refresh(f.name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Template watcher error", "error", err)
		}
	}
}

// refresh compares the template folder with the known set and emits the
// matching lifecycle event.
func (r *TemplateRegistry) refresh(name string) {
	info, err := os.Stat(filepath.Join(r.dir, name))
	exists := err == nil && info.IsDir()

	r.mu.Lock()
	_, known := r.templates[name]
	_, fresh := r.created[name]
	delete(r.created, name)
	if exists {
		r.templates[name] = struct{}{}
	} else {
		delete(r.templates, name)
	}
	r.mu.Unlock()

	switch {
	case exists && known && !fresh:
		r.emit(TemplateEvent{Kind: TemplateChanged, Template: name})
	case exists:
		r.emit(TemplateEvent{Kind: TemplateCreated, Template: name})
	case known && !fresh:
		r.emit(TemplateEvent{Kind: TemplateRemoved, Template: name})
	}
}

// templateOf maps a path below the templates folder to its template name.
func (r *TemplateRegistry) templateOf(path string) string {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	name := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if !ValidTemplateName(name) {
		return ""
	}
	return name
}

func addWatches(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (r *TemplateRegistry) emitUnlessWatching(event TemplateEvent) {
	if r.watching.Load() {
		return
	}
	r.emit(event)
}

func (r *TemplateRegistry) emit(event TemplateEvent) {
	r.emitMu.RLock()
	defer r.emitMu.RUnlock()
	if r.emitDone {
		return
	}
	select {
	case r.events <- event:
	case <-r.done:
	}
}

// Close stops the watcher and closes Events.
func (r *TemplateRegistry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.emitMu.Lock()
		r.emitDone = true
		close(r.events)
		r.emitMu.Unlock()
	})
}
