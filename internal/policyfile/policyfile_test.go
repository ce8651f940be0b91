package policyfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/ephemeral-chat/rooms"
)

func TestParse(t *testing.T) {
	p, err := Parse([]byte("minMinutes: 2\nmaxMinutes: 30\ndefaultMinutes: 15\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := rooms.LifetimePolicy{Min: 2 * time.Minute, Max: 30 * time.Minute, Default: 15 * time.Minute}
	if p != want {
		t.Fatalf("got %+v, want %+v", p, want)
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"inverted":    "minMinutes: 30\nmaxMinutes: 2\ndefaultMinutes: 10\n",
		"missing":     "minMinutes: 1\n",
		"unknown key": "minMinutes: 1\nmaxMinutes: 60\ndefaultMinutes: 10\nmaxRooms: 5\n",
		"not yaml":    "minMinutes: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := Parse([]byte("minMinutes: 30\nmaxMinutes: 2\ndefaultMinutes: 10\n")); !errors.Is(err, rooms.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestWatchAppliesValidRevisions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	write := func(doc string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("minMinutes: 1\nmaxMinutes: 60\ndefaultMinutes: 10\n")

	applied := make(chan rooms.LifetimePolicy, 16)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(p rooms.LifetimePolicy) error {
			applied <- p
			return nil
		}, nil)
	}()
	time.Sleep(100 * time.Millisecond)

	write("minMinutes: 1\nmaxMinutes: 20\ndefaultMinutes: 5\n")
	select {
	case p := <-applied:
		if p.Max != 20*time.Minute || p.Default != 5*time.Minute {
			t.Fatalf("unexpected policy %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("policy change not applied")
	}

	// An invalid revision is skipped.
	write("minMinutes: 50\nmaxMinutes: 20\ndefaultMinutes: 5\n")
	deadline := time.After(300 * time.Millisecond)
drain:
	for {
		select {
		case p := <-applied:
			if p.Min == 50*time.Minute {
				t.Fatalf("invalid policy was applied: %+v", p)
			}
		case <-deadline:
			break drain
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
