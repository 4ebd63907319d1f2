// Package watcher follows a spool directory of JSONL event files.
//
// Producers append events to *.jsonl files in the directory. Once a file
// has been quiet for the settle interval, the complete lines written since
// the last read are handed out as an Update. A trailing partial line stays
// on disk until its newline arrives.
package watcher

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Extension is the suffix of files the watcher follows.
const Extension = ".jsonl"

// Update carries newly appended complete lines of one file.
type Update struct {
	Path      string
	Data      []byte
	Offset    int64
	Timestamp time.Time
}

type fileState struct {
	lastMod time.Time
	offset  int64
	pending bool
}

// Watcher monitors a spool directory.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	settle    time.Duration

	state   map[string]*fileState
	stateMu sync.Mutex

	updates chan Update
	errors  chan error

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a watcher for dir. Files must stay unchanged for settle
// before their new lines are read.
func New(dir string, settle time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		dir:       dir,
		settle:    settle,
		state:     make(map[string]*fileState),
		updates:   make(chan Update, 16),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Updates returns the channel of appended data.
func (w *Watcher) Updates() <-chan Update {
	return w.updates
}

// Errors returns the channel of watch and read errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching. Files already in the directory are read from the
// beginning.
func (w *Watcher) Start() error {
	absDir, err := filepath.Abs(w.dir)
	if err != nil {
		return err
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("watcher: %s is not a directory", absDir)
	}
	w.dir = absDir

	if err := w.fsWatcher.Add(absDir); err != nil {
		return err
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !followed(entry.Name()) {
			continue
		}
		if fi, err := entry.Info(); err == nil {
			w.touch(filepath.Join(absDir, entry.Name()), fi.ModTime())
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	return nil
}

// Stop shuts the watcher down. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
		w.wg.Wait()
		close(w.updates)
		close(w.errors)
	})
	return err
}

// Dir returns the absolute directory once started.
func (w *Watcher) Dir() string {
	return w.dir
}

// TrackedFiles returns the number of files seen so far.
func (w *Watcher) TrackedFiles() int {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return len(w.state)
}

func followed(name string) bool {
	return strings.HasSuffix(name, Extension) && !strings.HasPrefix(name, ".")
}

func (w *Watcher) touch(path string, at time.Time) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	st, ok := w.state[path]
	if !ok {
		st = &fileState{}
		w.state[path] = st
	}
	st.lastMod = at
	st.pending = true
}

func (w *Watcher) forget(path string) {
	w.stateMu.Lock()
	delete(w.state, path)
	w.stateMu.Unlock()
}

func (w *Watcher) reportErr(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !followed(filepath.Base(event.Name)) {
				continue
			}

			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.forget(event.Name)
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}
			w.touch(event.Name, time.Now())

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.reportErr(err)
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	interval := w.settle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case now := <-ticker.C:
			w.checkSettled(now)
		}
	}
}

type settledFile struct {
	path    string
	lastMod time.Time
	offset  int64
}

// checkSettled reads files that have been quiet for the settle interval.
// The lock is released during file I/O so eventLoop is never blocked.
func (w *Watcher) checkSettled(now time.Time) {
	threshold := now.Add(-w.settle)

	var settled []settledFile
	w.stateMu.Lock()
	for path, st := range w.state {
		if st.pending && !st.lastMod.After(threshold) {
			settled = append(settled, settledFile{path: path, lastMod: st.lastMod, offset: st.offset})
		}
	}
	w.stateMu.Unlock()

	sort.Slice(settled, func(i, j int) bool { return settled[i].path < settled[j].path })

	for _, sf := range settled {
		data, start, next, err := readComplete(sf.path, sf.offset)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				w.forget(sf.path)
				continue
			}
			w.reportErr(fmt.Errorf("read %s: %w", sf.path, err))
			continue
		}

		if len(data) > 0 {
			select {
			case w.updates <- Update{Path: sf.path, Data: data, Offset: start, Timestamp: now}:
			case <-w.done:
				return
			default:
				// consumer is behind; retry on the next tick
				continue
			}
		}

		w.stateMu.Lock()
		if st, ok := w.state[sf.path]; ok {
			st.offset = next
			// writes that landed during the read are picked up next time
			st.pending = !st.lastMod.Equal(sf.lastMod)
		}
		w.stateMu.Unlock()
	}
}

// readComplete returns the complete lines after offset, the offset they
// start at, and the offset following them. A file shorter than offset was
// truncated and is read again from the start.
func readComplete(path string, offset int64) ([]byte, int64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, offset, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if info.Size() == offset {
		return nil, offset, offset, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, offset, err
	}
	data, err := io.ReadAll(io.LimitReader(f, info.Size()-offset))
	if err != nil {
		return nil, offset, offset, err
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, offset, offset, nil
	}
	return data[:end+1], offset, offset + int64(end+1), nil
}
