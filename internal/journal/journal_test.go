// v0
// internal/journal/journal_test.go
package journal

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tcalmant/nfc-voting/internal/device"
	"github.com/tcalmant/nfc-voting/internal/publish"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func vote(id string) publish.VoteEvent {
	return publish.VoteEvent{
		EventID:   id,
		Value:     "Bob",
		TagID:     device.TagID{0x01, 0x02},
		Timestamp: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
		Reader:    "r2",
	}
}

func TestRecordSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lost", "votes.jsonl")
	j, err := Open(path, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Record(vote("a"), errors.New("timeout")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record(vote("b"), nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j, err = Open(path, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	entries := j.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Seq != 1 || entries[0].Error != "timeout" || entries[1].Event.EventID != "b" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].Event.TagID.String() != "0x0102" {
		t.Fatalf("tag id lost in round trip: %s", entries[0].Event.TagID)
	}
	if err := j.Record(vote("c"), nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := j.Entries()[2].Seq; got != 3 {
		t.Fatalf("seq after reopen = %d, want 3", got)
	}
}

func TestRewriteKeepsOnlyGivenEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "votes.jsonl")
	j, err := Open(path, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		_ = j.Record(vote(id), nil)
	}
	keep := j.Entries()[1:2]
	if err := j.Rewrite(keep); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	_ = j.Close()

	j, err = Open(path, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	if j.Len() != 1 || j.Entries()[0].Event.EventID != "b" {
		t.Fatalf("unexpected entries after rewrite: %+v", j.Entries())
	}
}

func TestOpenRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "votes.jsonl")
	if err := os.WriteFile(path, []byte("{not json}\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := Open(path, quietLogger()); err == nil {
		t.Fatalf("expected corrupt journal error")
	}
}

func TestRecordAfterClose(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "votes.jsonl"), quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = j.Close()
	if err := j.Record(vote("x"), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
