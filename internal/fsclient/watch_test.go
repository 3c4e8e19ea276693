package fsclient

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/uri"
)

func change(p string, t models.ChangeType) models.FileChange {
	return models.FileChange{URI: uri.File(p), Type: t}
}

func TestPoller_DetectsChanges(t *testing.T) {
	memfs := newTestFs(t, map[string]string{
		"/ws/keep.txt":  "keep",
		"/ws/edit.txt":  "v1",
		"/ws/gone.txt":  "bye",
		"/ws/dir/x.txt": "x",
	})
	c := newTestClient(t, memfs, nil)
	p := newPoller(c, uri.File("/ws"))

	if got := p.poll(); len(got) != 0 {
		t.Fatalf("expected no changes, got %v", got)
	}

	afero.WriteFile(memfs, "/ws/edit.txt", []byte("version two"), 0o644)
	memfs.Remove("/ws/gone.txt")
	afero.WriteFile(memfs, "/ws/new/y.txt", []byte("y"), 0o644)

	want := []models.FileChange{
		change("/ws/gone.txt", models.ChangeDeleted),
		change("/ws/new", models.ChangeAdded),
		change("/ws/new/y.txt", models.ChangeAdded),
		change("/ws/edit.txt", models.ChangeUpdated),
	}
	if diff := cmp.Diff(want, p.poll(), cmp.AllowUnexported(uri.URI{})); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
	if got := p.poll(); len(got) != 0 {
		t.Errorf("expected no changes on second poll, got %v", got)
	}
}

func TestPoller_SkipsExcluded(t *testing.T) {
	memfs := newTestFs(t, map[string]string{"/ws/a.txt": "a"})
	c := newTestClient(t, memfs, nil)
	c.SetWatchFileExcludes([]string{"build"})
	p := newPoller(c, uri.File("/ws"))

	afero.WriteFile(memfs, "/ws/build/out.bin", []byte("bin"), 0o644)
	afero.WriteFile(memfs, "/ws/b.txt", []byte("b"), 0o644)

	want := []models.FileChange{change("/ws/b.txt", models.ChangeAdded)}
	if diff := cmp.Diff(want, p.poll(), cmp.AllowUnexported(uri.URI{})); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
}

func TestBatcher_CoalescesAndDedupes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newBatcher(clock, 50*time.Millisecond)
	defer b.close()

	b.add(change("/ws/a", models.ChangeAdded))
	clock.Advance(30 * time.Millisecond)
	b.add(change("/ws/a", models.ChangeAdded))
	b.add(change("/ws/b", models.ChangeDeleted))

	select {
	case batch := <-b.out:
		t.Fatalf("batch emitted before the window elapsed: %v", batch)
	default:
	}

	clock.Advance(50 * time.Millisecond)
	select {
	case batch := <-b.out:
		want := []models.FileChange{
			change("/ws/a", models.ChangeAdded),
			change("/ws/b", models.ChangeDeleted),
		}
		if diff := cmp.Diff(want, batch, cmp.AllowUnexported(uri.URI{})); diff != "" {
			t.Errorf("batch mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for batch")
	}
}

func TestBatcher_CloseIsIdempotent(t *testing.T) {
	b := newBatcher(clockwork.NewFakeClock(), time.Millisecond)
	b.close()
	b.close()
	b.add(change("/ws/a", models.ChangeAdded))
	if _, ok := <-b.out; ok {
		t.Error("expected closed channel")
	}
}

func TestWatchFileChanges_Poll(t *testing.T) {
	memfs := newTestFs(t, map[string]string{"/ws/a.txt": "a"})
	clock := clockwork.NewFakeClock()
	c := newTestClient(t, memfs, clock)

	w, err := c.WatchFileChanges(context.Background(), uri.File("/ws"))
	if err != nil {
		t.Fatalf("WatchFileChanges: %v", err)
	}
	defer w.Close()

	afero.WriteFile(memfs, "/ws/b.txt", []byte("b"), 0o644)
	clock.Advance(time.Second)

	select {
	case batch := <-w.Changes():
		want := []models.FileChange{change("/ws/b.txt", models.ChangeAdded)}
		if diff := cmp.Diff(want, batch, cmp.AllowUnexported(uri.URI{})); diff != "" {
			t.Errorf("batch mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for changes")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case _, ok := <-w.Changes():
		if ok {
			t.Error("expected closed channel after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestWatchFileChanges_Errors(t *testing.T) {
	memfs := newTestFs(t, map[string]string{"/ws/a.txt": "a"})
	c := newTestClient(t, memfs, nil)
	if _, err := c.WatchFileChanges(context.Background(), uri.File("/missing")); err == nil {
		t.Error("expected error for missing directory")
	}
	if _, err := c.WatchFileChanges(context.Background(), uri.File("/ws/a.txt")); err == nil {
		t.Error("expected error for file")
	}
}
