package filetree

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fruitsalade/treesync/internal/events"
	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/uri"
)

func childNames(nodes []*Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Name())
	}
	return out
}

func TestNew_RequiresCollaborators(t *testing.T) {
	f := newUnstartedFixture(t)
	tests := []struct {
		name string
		opts Options
	}{
		{"no workspace", Options{FileSystem: f.watch, Provider: NewFSProvider(f.client)}},
		{"no file system", Options{Workspace: f.ws, Provider: NewFSProvider(f.client)}},
		{"no provider", Options{Workspace: f.ws, FileSystem: f.watch}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestService_InitSingleRoot(t *testing.T) {
	f := newFixture(t, "/ws", "/ws/src/main.go", "/ws/README.md", "/ws/docs/")

	root := f.svc.Root()
	if root.Path() != "/ws" || !root.IsWorkspaceRoot() || root.Loaded() {
		t.Fatalf("unexpected root %s workspaceRoot=%v loaded=%v", root.Path(), root.IsWorkspaceRoot(), root.Loaded())
	}
	if diff := cmp.Diff([]string{"file:///ws"}, f.watch.live()); diff != "" {
		t.Errorf("watches mismatch (-want +got):\n%s", diff)
	}

	children, err := f.svc.ResolveChildren(f.ctx, root)
	if err != nil {
		t.Fatalf("ResolveChildren: %v", err)
	}
	if diff := cmp.Diff([]string{"docs", "src", "README.md"}, childNames(children)); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
	want := []string{"/ws", "/ws/README.md", "/ws/docs", "/ws/src"}
	if diff := cmp.Diff(want, f.svc.Cache().Paths()); diff != "" {
		t.Errorf("cache mismatch (-want +got):\n%s", diff)
	}

	if err := f.svc.Init(f.ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if n := f.watch.opened(uri.File("/ws")); n != 1 {
		t.Errorf("root watched %d times, want 1", n)
	}
	f.assertConsistent()
}

func TestService_ResolveChildrenErrors(t *testing.T) {
	f := newFixture(t, "/ws", "/ws/file.txt")
	f.expand()

	if _, err := f.svc.ResolveChildren(f.ctx, f.node("/ws/file.txt")); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("file: err = %v, want ErrNotDirectory", err)
	}
	stray := NewNode(dirStat("/elsewhere"), nil, "")
	if _, err := f.svc.ResolveChildren(f.ctx, stray); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("stray: err = %v, want ErrUnknownNode", err)
	}
}

func TestService_InitWithoutRoots(t *testing.T) {
	f := newUnstartedFixture(t)
	f.writeFile("/ws/empty.code-workspace", `{"folders":[]}`)
	f.open("/ws/empty.code-workspace")

	svc, err := New(Options{Workspace: f.ws, FileSystem: f.watch, Provider: NewFSProvider(f.client)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Dispose()
	if err := svc.Init(f.ctx); !errors.Is(err, ErrNoWorkspace) {
		t.Errorf("Init error = %v, want ErrNoWorkspace", err)
	}
}

func TestService_GetNodeByPathOrUri(t *testing.T) {
	f := newFixture(t, "/ws", "/ws/a.txt")
	f.expand()
	want := f.node("/ws/a.txt")

	mustParse := func(s string) PathKey {
		k, err := ParseKey(s)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", s, err)
		}
		return k
	}
	for _, key := range []PathKey{
		Canonical("/ws/a.txt"),
		Raw(uri.File("/ws/a.txt")),
		mustParse("file:///ws/a.txt"),
		mustParse("/ws/a.txt"),
	} {
		got, ok := f.svc.GetNodeByPathOrUri(key)
		if !ok || got != want {
			t.Errorf("GetNodeByPathOrUri(%s) = %v, %v", key, got, ok)
		}
	}
	for _, key := range []PathKey{Raw(uri.File("/elsewhere/a.txt")), Canonical("/ws/nope")} {
		if _, ok := f.svc.GetNodeByPathOrUri(key); ok {
			t.Errorf("GetNodeByPathOrUri(%s) found a node", key)
		}
	}
}

func TestService_MultiRoot(t *testing.T) {
	f := newUnstartedFixture(t, "/ws/api/main.go", "/shared/lib.go")
	f.writeFile("/ws/project.code-workspace", `{"folders":[{"path":"api"},{"path":"/shared","name":"common"}]}`)
	f.open("/ws/project.code-workspace")
	f.start()
	f.expand()

	root := f.svc.Root()
	if root.Path() != "/project" || root.IsWorkspaceRoot() {
		t.Fatalf("unexpected virtual root %s", root.Path())
	}
	want := []string{
		"/project",
		"/project/api",
		"/project/api/main.go",
		"/project/common",
		"/project/common/lib.go",
	}
	if diff := cmp.Diff(want, f.svc.Cache().Paths()); diff != "" {
		t.Errorf("cache mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"file:///ws/api", "file:///shared"}, f.watch.live()); diff != "" {
		t.Errorf("watches mismatch (-want +got):\n%s", diff)
	}
	if !f.node("/project/common").IsWorkspaceRoot() {
		t.Error("folder node should be a workspace root")
	}

	if p, ok := f.svc.NodePathByURI(uri.File("/shared/lib.go")); !ok || p != "/project/common/lib.go" {
		t.Errorf("NodePathByURI = %q, %v", p, ok)
	}

	f.create("/shared/new.go")
	f.apply(added("/shared/new.go"))
	if !f.cached("/project/common/new.go") {
		t.Error("add under second folder not applied")
	}

	f.apply(updated("/shared"))
	if diff := cmp.Diff([]string{"/project/common"}, f.svc.Queue().Pending()); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
	f.flush()
	f.assertConsistent()
}

func TestService_WorkspaceChangeReinitializes(t *testing.T) {
	f := newFixture(t, "/ws", "/ws/a.txt", "/other/b.txt")
	f.expand()

	refreshed := make(chan []string, 1)
	f.svc.OnRefreshed(func(paths []string) { refreshed <- paths })

	if err := f.ws.SetWorkspace(f.ctx, uri.File("/other")); err != nil {
		t.Fatalf("SetWorkspace: %v", err)
	}
	if got := f.svc.Root().Path(); got != "/other" {
		t.Fatalf("root = %s, want /other", got)
	}
	if diff := cmp.Diff([]string{"/other"}, f.svc.Cache().Paths()); diff != "" {
		t.Errorf("cache mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"file:///other"}, f.watch.live()); diff != "" {
		t.Errorf("watches mismatch (-want +got):\n%s", diff)
	}
	select {
	case paths := <-refreshed:
		if diff := cmp.Diff([]string{"/other"}, paths); diff != "" {
			t.Errorf("refreshed mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no refreshed notification")
	}
}

func TestService_WorkspaceFileChangeRewatchesFolders(t *testing.T) {
	f := newUnstartedFixture(t, "/ws/api/main.go", "/ws/web/index.html", "/shared/lib.go")
	f.writeFile("/ws/team.code-workspace", `{"folders":[{"path":"api"},{"path":"/shared"}]}`)
	f.open("/ws/team.code-workspace")
	f.start()
	f.expand()

	f.writeFile("/ws/team.code-workspace", `{"folders":[{"path":"api"},{"path":"web"}]}`)
	if err := f.ws.Reload(f.ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if diff := cmp.Diff([]string{"file:///ws/api", "file:///ws/web"}, f.watch.live()); diff != "" {
		t.Errorf("watches mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"api", "web"}, childNames(f.svc.Root().Children())); diff != "" {
		t.Errorf("folders mismatch (-want +got):\n%s", diff)
	}
	if f.cached("/team/shared") {
		t.Error("removed folder still cached")
	}
	f.assertConsistent()
}

func TestService_CompactFolders(t *testing.T) {
	f := newUnstartedFixture(t, "/ws/a/b/c/file.txt", "/ws/top.txt")
	f.prefs.set(PrefCompactFolders, true)
	f.open("/ws")
	f.start()
	f.expand()

	n := f.node("/ws/a/b/c")
	if n.Name() != "a/b/c" || !n.Compacted() {
		t.Fatalf("expected compacted a/b/c, got %q compacted=%v", n.Name(), n.Compacted())
	}
	if !n.URI().Equal(uri.File("/ws/a/b/c")) {
		t.Errorf("compacted URI = %s", n.URI())
	}
	if f.cached("/ws/a") || !f.cached("/ws/a/b/c/file.txt") {
		t.Errorf("unexpected cache %v", f.svc.Cache().Paths())
	}

	f.create("/ws/a/b/c/new.txt")
	f.apply(added("/ws/a/b/c/new.txt"))
	if !f.cached("/ws/a/b/c/new.txt") {
		t.Error("add below compacted folder not applied")
	}
	f.assertConsistent()

	f.prefs.set(PrefCompactFolders, false)
	if diff := cmp.Diff([]string{"/ws"}, f.svc.Queue().Pending()); diff != "" {
		t.Fatalf("pending mismatch (-want +got):\n%s", diff)
	}
	f.flush()

	a := f.node("/ws/a")
	if a.Compacted() || a.Loaded() {
		t.Errorf("expected plain unloaded a, compacted=%v loaded=%v", a.Compacted(), a.Loaded())
	}
	if f.cached("/ws/a/b/c") {
		t.Error("compacted node survived toggle")
	}
	f.expand()
	for _, p := range []string{"/ws/a/b", "/ws/a/b/c", "/ws/a/b/c/file.txt", "/ws/a/b/c/new.txt"} {
		if !f.cached(p) {
			t.Errorf("%s not cached after expand", p)
		}
	}
	f.assertConsistent()
}

func TestService_CompactionStartsBelowRoot(t *testing.T) {
	f := newUnstartedFixture(t, "/ws/only/deeper/file.txt")
	f.prefs.set(PrefCompactFolders, true)
	f.open("/ws")
	f.start()
	f.expand()

	root := f.svc.Root()
	if root.Name() != "ws" || root.Compacted() {
		t.Fatalf("root must not be compacted: %q", root.Name())
	}
	if diff := cmp.Diff([]string{"only/deeper"}, childNames(root.Children())); diff != "" {
		t.Errorf("root children mismatch (-want +got):\n%s", diff)
	}
	if !f.cached("/ws/only/deeper/file.txt") {
		t.Errorf("unexpected cache %v", f.svc.Cache().Paths())
	}
}

func TestService_ViewStateFollowsPreferences(t *testing.T) {
	f := newFixture(t, "/ws")
	if got := f.svc.ViewState().Settings(); got.BaseIndent != 8 || got.Indent != 8 {
		t.Fatalf("defaults = %+v", got)
	}
	f.prefs.set(PrefIndent, 16)
	if got := f.svc.ViewState().Settings(); got.Indent != 16 || got.BaseIndent != 8 {
		t.Errorf("settings = %+v", got)
	}
}

func TestService_Snapshot(t *testing.T) {
	f := newFixture(t, "/ws", "/ws/b.txt", "/ws/a/")
	f.expand()

	snap := f.svc.Snapshot()
	if snap.Name != "ws" || snap.Path != "/ws" || !snap.IsDir {
		t.Fatalf("unexpected root %+v", snap)
	}
	var got []string
	for _, c := range snap.Children {
		got = append(got, c.Path)
	}
	if diff := cmp.Diff([]string{"/ws/a", "/ws/b.txt"}, got); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
	if snap.Children[1].Size != int64(len("/ws/b.txt")) {
		t.Errorf("size = %d", snap.Children[1].Size)
	}
}

func TestService_ReWatch(t *testing.T) {
	f := newFixture(t, "/ws")
	if err := f.svc.ReWatch(f.ctx); err != nil {
		t.Fatalf("ReWatch: %v", err)
	}
	if n := f.watch.opened(uri.File("/ws")); n != 2 {
		t.Errorf("opened %d times, want 2", n)
	}
	if diff := cmp.Diff([]string{"file:///ws"}, f.watch.live()); diff != "" {
		t.Errorf("live mismatch (-want +got):\n%s", diff)
	}
}

func TestService_WatchStreamDrivesReconciliation(t *testing.T) {
	f := newFixture(t, "/ws")
	f.expand()
	f.drain()

	f.create("/ws/new.txt")
	f.watch.send(t, uri.File("/ws"), []models.FileChange{added("/ws/new.txt")})

	ev := f.waitEvent(events.EventAdded)
	if ev.Path != "/ws/new.txt" || ev.URI != "file:///ws/new.txt" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestService_Dispose(t *testing.T) {
	f := newFixture(t, "/ws", "/ws/a.txt")
	f.expand()
	root := f.svc.Root()

	if err := f.svc.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if len(f.watch.live()) != 0 {
		t.Errorf("watches left open: %v", f.watch.live())
	}
	if f.svc.Cache().Len() != 0 || f.svc.Root() != nil {
		t.Error("cache not cleared")
	}
	if _, err := f.svc.ResolveChildren(f.ctx, root); !errors.Is(err, ErrDisposed) {
		t.Errorf("ResolveChildren err = %v", err)
	}
	if _, err := f.svc.AddNode(f.ctx, root, "x", false); !errors.Is(err, ErrDisposed) {
		t.Errorf("AddNode err = %v", err)
	}
	if err := f.svc.Init(f.ctx); !errors.Is(err, ErrDisposed) {
		t.Errorf("Init err = %v", err)
	}
	f.apply(added("/ws/b.txt"))
	f.svc.Refresh(root)
	if f.svc.Queue().Len() != 0 {
		t.Error("refresh queued after Dispose")
	}
	if err := f.svc.Dispose(); err != nil {
		t.Errorf("second Dispose: %v", err)
	}
}

func TestService_CallbacksMayReenter(t *testing.T) {
	f := newFixture(t, "/ws")
	f.expand()
	f.drain()

	f.svc.OnEvent("/ws", func(ctx context.Context, ev WatchEvent) error {
		if ev.Type == WatchAdded {
			return f.svc.DeleteAffectedNodeByPath(ctx, ev.Node.Path())
		}
		return nil
	})
	f.create("/ws/tmp.txt")
	f.apply(added("/ws/tmp.txt"))

	if f.cached("/ws/tmp.txt") {
		t.Error("callback delete not applied")
	}
	want := []events.Event{
		{Type: events.EventAdded, Path: "/ws/tmp.txt", URI: "file:///ws/tmp.txt"},
		{Type: events.EventRemoved, Path: "/ws/tmp.txt"},
	}
	if diff := diffEvents(want, f.drain()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	f.assertConsistent()
}

func TestService_FlushFromChangedCallback(t *testing.T) {
	f := newFixture(t, "/ws", "/ws/a.txt")
	f.expand()

	nested := make(chan error, 1)
	f.svc.OnEvent("/ws", func(ctx context.Context, ev WatchEvent) error {
		if ev.Type == WatchChanged {
			nested <- f.svc.Flush(ctx)
		}
		return nil
	})
	f.svc.Refresh(nil)

	done := make(chan error, 1)
	go func() { done <- f.svc.Flush(f.ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Flush from a Changed callback deadlocked")
	}
	select {
	case err := <-nested:
		if err != nil {
			t.Errorf("nested Flush: %v", err)
		}
	default:
		t.Error("Changed callback not invoked")
	}
}

func TestService_CallbackErrorIsReturned(t *testing.T) {
	f := newFixture(t, "/ws")
	f.expand()

	errRejected := errors.New("rejected")
	f.svc.OnEvent("/ws", func(context.Context, WatchEvent) error { return errRejected })

	n, err := f.svc.AddNode(f.ctx, f.svc.Root(), "a.txt", false)
	if !errors.Is(err, errRejected) {
		t.Errorf("AddNode err = %v, want %v", err, errRejected)
	}
	if n == nil || !f.cached("/ws/a.txt") {
		t.Error("node should be inserted even when a callback fails")
	}
}
