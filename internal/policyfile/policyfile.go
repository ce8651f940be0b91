package policyfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/ephemeral-chat/rooms"
	"gopkg.in/yaml.v3"
)

// File is the YAML form of a room lifetime policy:
//
//	minMinutes: 1
//	maxMinutes: 60
//	defaultMinutes: 10
type File struct {
	MinMinutes     int `yaml:"minMinutes"`
	MaxMinutes     int `yaml:"maxMinutes"`
	DefaultMinutes int `yaml:"defaultMinutes"`
}

func (f File) Policy() rooms.LifetimePolicy {
	return rooms.LifetimePolicy{
		Min:     time.Duration(f.MinMinutes) * time.Minute,
		Max:     time.Duration(f.MaxMinutes) * time.Minute,
		Default: time.Duration(f.DefaultMinutes) * time.Minute,
	}
}

// Parse decodes and validates a policy document. Unknown keys are rejected.
func Parse(data []byte) (rooms.LifetimePolicy, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return rooms.LifetimePolicy{}, fmt.Errorf("decode policy: %w", err)
	}
	p := f.Policy()
	if err := p.Validate(); err != nil {
		return rooms.LifetimePolicy{}, err
	}
	return p, nil
}

// Load reads and parses the policy file at path.
func Load(path string) (rooms.LifetimePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rooms.LifetimePolicy{}, fmt.Errorf("read policy file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return rooms.LifetimePolicy{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Watch reloads the policy file whenever it changes and hands each valid
// result to apply. Invalid or unreadable revisions are logged and skipped; the
// previous policy stays in force. The containing directory is watched so
// editors that replace the file by rename are picked up. Watch blocks until
// ctx ends.
func Watch(ctx context.Context, path string, apply func(rooms.LifetimePolicy) error, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve policy path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	reload := func() {
		p, err := Load(abs)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.DebugContext(ctx, "policy file missing, keeping current policy", slog.String("path", abs))
				return
			}
			log.WarnContext(ctx, "ignoring invalid policy file", slog.String("path", abs), slog.Any("err", err))
			return
		}
		if err := apply(p); err != nil {
			log.WarnContext(ctx, "policy rejected", slog.String("path", abs), slog.Any("err", err))
			return
		}
		log.InfoContext(ctx, "policy reloaded", slog.String("path", abs))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.DebugContext(ctx, "fsnotify error", slog.Any("err", err))
		}
	}
}
