package archive_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxscribe/internal/archive"
	"github.com/MrWong99/voxscribe/internal/transcript"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXSCRIBE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXSCRIBE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXSCRIBE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore returns a Store on a freshly created schema.
func newTestStore(t *testing.T) *archive.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS transcript_blocks CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := archive.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func texts(t *testing.T, s *archive.Store, path string) []string {
	t.Helper()
	blocks, err := s.Blocks(context.Background(), path)
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	out := make([]string, len(blocks))
	for k, b := range blocks {
		if b.Seq != k {
			t.Fatalf("block %d has seq %d", k, b.Seq)
		}
		out[k] = b.Text
	}
	return out
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	for range 2 {
		if err := archive.Migrate(ctx, pool); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestStore_RecordAndDiscard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for seq, text := range []string{"hello", "world"} {
		if err := store.RecordBlock(ctx, "/tmp/a.txt", seq, text); err != nil {
			t.Fatalf("RecordBlock: %v", err)
		}
	}
	if err := store.RecordBlock(ctx, "/tmp/b.txt", 0, "other"); err != nil {
		t.Fatal(err)
	}

	got := texts(t, store, "/tmp/a.txt")
	if len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Fatalf("blocks = %q", got)
	}

	if err := store.DiscardTranscript(ctx, "/tmp/a.txt"); err != nil {
		t.Fatalf("DiscardTranscript: %v", err)
	}
	if got := texts(t, store, "/tmp/a.txt"); len(got) != 0 {
		t.Errorf("blocks after discard = %q", got)
	}
	if got := texts(t, store, "/tmp/b.txt"); len(got) != 1 {
		t.Errorf("unrelated transcript lost blocks: %q", got)
	}
}

func TestStore_ReopenReplacesBlocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for seq, text := range []string{"a", "b", "c"} {
		if err := store.RecordBlock(ctx, "/tmp/r.txt", seq, text); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.RecordBlock(ctx, "/tmp/r.txt", 0, "fresh"); err != nil {
		t.Fatal(err)
	}
	if got := texts(t, store, "/tmp/r.txt"); len(got) != 1 || got[0] != "fresh" {
		t.Errorf("blocks = %q, want [fresh]", got)
	}
}

func TestStore_MirrorsSink(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "t.txt")

	sink, err := transcript.Open(path, transcript.WithRecorder(store))
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "", "two"} {
		if err := sink.Write(ctx, types.TranscriptEvent{Kind: types.ResultFull, Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	got := texts(t, store, path)
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("blocks = %q, want [one two]", got)
	}
}
