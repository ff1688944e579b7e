package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestPutIsIdempotentPerTrack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := Open(ctx, filepath.Join(t.TempDir(), "db", "catalog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	e := Entry{
		Session:  "1700000000 DJ Foo",
		Track:    "1",
		Title:    "Track One",
		Artist:   "DJ Foo",
		DJ:       "DJ Foo",
		Duration: 30.2,
		Path:     "/x/1. DJ Foo - Track One.mp3",
		Hash:     Hash([]byte("audio")),
		Exported: time.Unix(1700000100, 0),
	}
	for i := 0; i < 2; i++ {
		if err := c.Put(ctx, e); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	e.Track = "2"
	e.Complete = true
	if err := c.Put(ctx, e); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := c.Session(ctx, e.Session)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].Track != "1" || got[0].Complete || !got[1].Complete {
		t.Fatalf("unexpected rows %+v", got)
	}
	if got[0].Hash != Hash([]byte("audio")) {
		t.Fatalf("hash not stored")
	}
}

func TestHashIsStable(t *testing.T) {
	t.Parallel()

	if Hash([]byte("a")) != Hash([]byte("a")) || Hash([]byte("a")) == Hash([]byte("b")) {
		t.Fatalf("hash must be deterministic and content sensitive")
	}
	if len(Hash(nil)) != 16 {
		t.Fatalf("expected 16 hex digits")
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatalf("expected error")
	}
}
