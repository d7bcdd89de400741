// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Provider supplies the current question set. Callers must not cache the
// result across requests: a FileProvider swaps it when the file changes.
type Provider interface {
	Questions() *QuestionSet
}

// StaticProvider always returns the same set.
type StaticProvider struct {
	set *QuestionSet
}

// NewStaticProvider wraps qs. A nil qs selects the embedded set.
func NewStaticProvider(qs *QuestionSet) *StaticProvider {
	if qs == nil {
		qs = DefaultQuestions()
	}
	return &StaticProvider{set: qs}
}

// Questions implements Provider.
func (p *StaticProvider) Questions() *QuestionSet { return p.set }

var (
	_ Provider = (*StaticProvider)(nil)
	_ Provider = (*FileProvider)(nil)
)

// FileProvider serves a question set read from disk and reloads it when the
// file is written, created or replaced.
//
// # Description
//
// The parent directory is watched rather than the file so that editors that
// save by rename are seen. Events are debounced. A file that fails to parse
// is logged and the previous set stays current.
//
// # Thread Safety
//
// Questions is safe for concurrent use. Listeners run on the watcher
// goroutine.
type FileProvider struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	current atomic.Pointer[QuestionSet]
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	listeners []func(*QuestionSet)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFileProvider loads path and starts watching it.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	qs, err := LoadQuestions(abs)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	p := &FileProvider{
		path:     abs,
		logger:   logger.With("component", "questions", "path", abs),
		debounce: 100 * time.Millisecond,
		watcher:  w,
		done:     make(chan struct{}),
	}
	p.current.Store(qs)

	p.wg.Add(1)
	go p.watch()
	return p, nil
}

// Questions implements Provider.
func (p *FileProvider) Questions() *QuestionSet {
	return p.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (p *FileProvider) OnChange(fn func(*QuestionSet)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Close stops watching. It is safe to call more than once.
func (p *FileProvider) Close() error {
	var err error
	p.stopOnce.Do(func() {
		close(p.done)
		err = p.watcher.Close()
		p.wg.Wait()
	})
	return err
}

func (p *FileProvider) watch() {
	defer p.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-p.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(p.debounce)
			} else {
				timer.Reset(p.debounce)
			}
			fire = timer.C

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("question set watcher error", "error", err)

		case <-fire:
			fire = nil
			p.reload()
		}
	}
}

func (p *FileProvider) reload() {
	qs, err := LoadQuestions(p.path)
	if err != nil {
		p.logger.Warn("question set reload failed, keeping previous", "error", err)
		return
	}
	prev := p.current.Swap(qs)
	p.logger.Info("question set reloaded",
		"pages", len(qs.Pages),
		"terms_changed", prev == nil || prev.TermsFingerprint() != qs.TermsFingerprint())

	p.mu.Lock()
	listeners := append([]func(*QuestionSet){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(qs)
	}
}
