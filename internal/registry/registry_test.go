package registry

import (
	"context"
	"testing"
	"time"

	"github.com/ehrlich-b/wsh/internal/session"
	"github.com/ehrlich-b/wsh/internal/werr"
)

func spawnTestSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.Spawn("", session.Config{
		Command: []string{"sleep", "60"},
		Rows:    10,
		Cols:    40,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestInsertExplicitAndGet(t *testing.T) {
	r := New(0, false)
	s := spawnTestSession(t)
	name, err := r.Insert("work", s)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if name != "work" {
		t.Errorf("name = %q, want work", name)
	}
	got, err := r.Get("work")
	if err != nil || got != s {
		t.Errorf("get returned %v, %v", got, err)
	}
	if s.Name() != "work" {
		t.Errorf("session name = %q, want work", s.Name())
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	r := New(0, false)
	r.Insert("dup", spawnTestSession(t))
	_, err := r.Insert("dup", spawnTestSession(t))
	if werr.As(err).Code != werr.CodeSessionExists {
		t.Errorf("duplicate insert: code = %q, want session_exists", werr.As(err).Code)
	}
}

func TestAutoNamingSkipsTakenNames(t *testing.T) {
	r := New(0, false)

	// insert("0") → "0"; insert(auto) → "1"; insert("2") → "2";
	// insert(auto) → "3".
	if name, _ := r.Insert("0", spawnTestSession(t)); name != "0" {
		t.Fatalf("explicit 0 → %q", name)
	}
	if name, _ := r.Insert("", spawnTestSession(t)); name != "1" {
		t.Errorf("first auto name = %q, want 1", name)
	}
	if name, _ := r.Insert("2", spawnTestSession(t)); name != "2" {
		t.Fatalf("explicit 2 → %q", name)
	}
	if name, _ := r.Insert("", spawnTestSession(t)); name != "3" {
		t.Errorf("second auto name = %q, want 3", name)
	}
}

func TestAutoNamingFreshRegistry(t *testing.T) {
	r := New(0, false)
	if name, _ := r.Insert("", spawnTestSession(t)); name != "0" {
		t.Errorf("first auto name on fresh registry = %q, want 0", name)
	}
}

func TestAutoNamingReusesRemovedNames(t *testing.T) {
	r := New(0, false)
	r.Insert("", spawnTestSession(t)) // "0"
	r.Insert("", spawnTestSession(t)) // "1"
	if err := r.Remove("0"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// The lowest unused name is "0" again.
	if name, _ := r.Insert("", spawnTestSession(t)); name != "0" {
		t.Errorf("auto name after removal = %q, want 0", name)
	}
	if name, _ := r.Insert("", spawnTestSession(t)); name != "2" {
		t.Errorf("next auto name = %q, want 2", name)
	}
}

func TestMaxSessions(t *testing.T) {
	r := New(1, false)
	r.Insert("only", spawnTestSession(t))
	_, err := r.Insert("more", spawnTestSession(t))
	if werr.As(err).Code != werr.CodeMaxSessions {
		t.Errorf("over limit: code = %q, want max_sessions", werr.As(err).Code)
	}
}

func TestTagValidation(t *testing.T) {
	bad := []string{"", "has space", "emoji✨", string(make([]byte, 65))}
	for _, tag := range bad {
		if err := ValidateTag(tag); werr.As(err).Code != werr.CodeInvalidTag {
			t.Errorf("ValidateTag(%q) should return invalid_tag", tag)
		}
	}
	good := []string{"build", "a", "x-1_2.3", "ABC"}
	for _, tag := range good {
		if err := ValidateTag(tag); err != nil {
			t.Errorf("ValidateTag(%q) = %v, want nil", tag, err)
		}
	}
}

func TestTagIndexConsistency(t *testing.T) {
	r := New(0, false)
	r.Insert("a", spawnTestSession(t))
	r.Insert("b", spawnTestSession(t))

	if err := r.AddTags("a", []string{"build", "ci"}); err != nil {
		t.Fatalf("add tags: %v", err)
	}
	if err := r.AddTags("b", []string{"build"}); err != nil {
		t.Fatalf("add tags: %v", err)
	}

	got := r.SessionsByTags([]string{"build"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("sessions_by_tags(build) = %v, want [a b]", got)
	}
	if got := r.SessionsByTags([]string{"ci"}); len(got) != 1 || got[0] != "a" {
		t.Errorf("sessions_by_tags(ci) = %v, want [a]", got)
	}

	// Union semantics.
	if got := r.SessionsByTags([]string{"ci", "build"}); len(got) != 2 {
		t.Errorf("union = %v, want both", got)
	}

	r.RemoveTags("a", []string{"build"})
	if got := r.SessionsByTags([]string{"build"}); len(got) != 1 || got[0] != "b" {
		t.Errorf("after remove = %v, want [b]", got)
	}

	tags, _ := r.Tags("a")
	if len(tags) != 1 || tags[0] != "ci" {
		t.Errorf("tags(a) = %v, want [ci]", tags)
	}
}

func TestRemoveCleansTagIndex(t *testing.T) {
	r := New(0, false)
	r.Insert("gone", spawnTestSession(t))
	r.AddTags("gone", []string{"solo"})
	if err := r.Remove("gone"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := r.SessionsByTags([]string{"solo"}); len(got) != 0 {
		t.Errorf("orphan tag entry survives: %v", got)
	}
	if _, err := r.Get("gone"); werr.As(err).Code != werr.CodeSessionNotFound {
		t.Error("removed session should be gone")
	}
}

func TestRenameUpdatesEverything(t *testing.T) {
	r := New(0, false)
	s := spawnTestSession(t)
	r.Insert("old", s)
	r.AddTags("old", []string{"keep"})

	if err := r.Rename("old", "new"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := r.Get("old"); err == nil {
		t.Error("old name should be gone")
	}
	if got, err := r.Get("new"); err != nil || got != s {
		t.Error("new name should resolve to the same session")
	}
	if s.Name() != "new" {
		t.Errorf("session's own name = %q, want new", s.Name())
	}
	if got := r.SessionsByTags([]string{"keep"}); len(got) != 1 || got[0] != "new" {
		t.Errorf("tag index after rename = %v, want [new]", got)
	}
}

func TestRenameToTakenRejected(t *testing.T) {
	r := New(0, false)
	r.Insert("a", spawnTestSession(t))
	r.Insert("b", spawnTestSession(t))
	if err := r.Rename("a", "b"); err == nil {
		t.Error("rename onto an existing name should fail")
	}
}

func TestLifecycleEvents(t *testing.T) {
	r := New(0, false)
	sub := r.SubscribeEvents()
	defer sub.Close()

	r.Insert("evt", spawnTestSession(t))
	r.AddTags("evt", []string{"x"})
	r.Rename("evt", "evt2")
	r.Remove("evt2")

	want := []EventKind{Created, TagsChanged, Renamed, Destroyed}
	for _, kind := range want {
		select {
		case e := <-sub.C:
			if e.Kind != kind {
				t.Fatalf("event = %q, want %q", e.Kind, kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %q event", kind)
		}
	}
}

func TestEphemeralShutdownOnEmpty(t *testing.T) {
	r := New(0, true)
	r.Insert("last", spawnTestSession(t))
	r.Remove("last")
	select {
	case <-r.ShutdownRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("ephemeral registry should request shutdown when emptied")
	}
}

func TestPersistPreventsShutdown(t *testing.T) {
	r := New(0, true)
	r.Insert("last", spawnTestSession(t))
	r.Persist()
	r.Remove("last")
	select {
	case <-r.ShutdownRequested():
		t.Fatal("persisted server must not shut down")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChildExitRemovesSession(t *testing.T) {
	r := New(0, false)
	s, err := session.Spawn("", session.Config{
		Command: []string{"true"},
		Rows:    10,
		Cols:    40,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	r.Insert("short", s)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get("short"); err != nil {
			return // removed
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session should be removed after its child exits")
}

func TestWaitQuiescent(t *testing.T) {
	r := New(0, false)
	r.Insert("calm", spawnTestSession(t))
	r.AddTags("calm", []string{"build"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// sleep produces no output, so a short debounce resolves quickly.
	name, err := r.WaitQuiescent(ctx, "build", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("wait quiescent: %v", err)
	}
	if name != "calm" {
		t.Errorf("quiescent session = %q, want calm", name)
	}
}

func TestWaitQuiescentTimeout(t *testing.T) {
	r := New(0, false)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	// No sessions match the tag; the wait must time out cleanly.
	_, err := r.WaitQuiescent(ctx, "nothing", 50*time.Millisecond)
	if werr.As(err).Code != werr.CodeTimeout {
		t.Errorf("code = %q, want timeout", werr.As(err).Code)
	}
}
