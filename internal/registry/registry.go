// Package registry is the named map of sessions plus the tag reverse
// index. It is the arbiter of session lifecycle: it inserts, renames,
// tags, and removes sessions, broadcasts lifecycle events, and — on an
// ephemeral server — requests process shutdown when the last session
// goes away.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ehrlich-b/wsh/internal/logger"
	"github.com/ehrlich-b/wsh/internal/session"
	"github.com/ehrlich-b/wsh/internal/werr"
)

// eventBuffer is the per-subscriber lifecycle event channel depth.
const eventBuffer = 64

// quiescePoll is the sampling interval for quiescence waits.
const quiescePoll = 25 * time.Millisecond

// EventKind discriminates lifecycle events.
type EventKind string

const (
	Created     EventKind = "created"
	Renamed     EventKind = "renamed"
	Destroyed   EventKind = "destroyed"
	TagsChanged EventKind = "tags_changed"
)

// Event is one lifecycle broadcast.
type Event struct {
	Kind    EventKind `json:"event"`
	Name    string    `json:"name"`
	OldName string    `json:"old_name,omitempty"`
	Added   []string  `json:"added_tags,omitempty"`
	Removed []string  `json:"removed_tags,omitempty"`
}

// EventSub is a bounded lifecycle event feed.
type EventSub struct {
	C <-chan Event
	c chan Event
	r *Registry
}

// Close releases the subscription.
func (s *EventSub) Close() {
	s.r.mu.Lock()
	if _, ok := s.r.eventSubs[s]; ok {
		delete(s.r.eventSubs, s)
		close(s.c)
	}
	s.r.mu.Unlock()
}

// Registry holds all sessions of one server.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*session.Session
	tags      map[string]map[string]struct{} // session name → tag set
	tagIndex  map[string]map[string]struct{} // tag → session names
	maxCount  int
	ephemeral bool
	persisted bool

	eventSubs map[*EventSub]struct{}

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New creates a registry. maxSessions of 0 means unlimited; ephemeral
// servers shut down when the last session is removed.
func New(maxSessions int, ephemeral bool) *Registry {
	return &Registry{
		sessions:   make(map[string]*session.Session),
		tags:       make(map[string]map[string]struct{}),
		tagIndex:   make(map[string]map[string]struct{}),
		maxCount:   maxSessions,
		ephemeral:  ephemeral,
		eventSubs:  make(map[*EventSub]struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// ShutdownRequested is closed when an ephemeral server should exit.
func (r *Registry) ShutdownRequested() <-chan struct{} { return r.shutdownCh }

// Persist upgrades an ephemeral server to persistent in-flight.
func (r *Registry) Persist() {
	r.mu.Lock()
	r.persisted = true
	r.mu.Unlock()
}

// Ephemeral reports whether the server still shuts down on empty.
func (r *Registry) Ephemeral() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ephemeral && !r.persisted
}

// Insert adds a session under the given name, or auto-names it from the
// lowest unused non-negative integer when name is empty. The child-exit
// monitor is started here: when the child exits the registry removes the
// session.
func (r *Registry) Insert(name string, s *session.Session) (string, error) {
	r.mu.Lock()
	if r.maxCount > 0 && len(r.sessions) >= r.maxCount {
		r.mu.Unlock()
		return "", werr.New(werr.CodeMaxSessions, "session limit %d reached", r.maxCount)
	}
	if name == "" {
		// Lowest unused non-negative integer; removed names are reused.
		for n := 0; ; n++ {
			if _, taken := r.sessions[strconv.Itoa(n)]; !taken {
				name = strconv.Itoa(n)
				break
			}
		}
	} else if _, dup := r.sessions[name]; dup {
		r.mu.Unlock()
		return "", werr.New(werr.CodeSessionExists, "session %q already exists", name)
	}
	s.SetName(name)
	r.sessions[name] = s
	r.tags[name] = make(map[string]struct{})
	r.mu.Unlock()

	go r.watchChild(name, s)

	r.broadcast(Event{Kind: Created, Name: name})
	logger.Info("session created", "name", name, "pid", s.Pid())
	return name, nil
}

// watchChild is the registry side of the child monitor: a one-shot
// observation of child exit that destroys the session.
func (r *Registry) watchChild(name string, s *session.Session) {
	select {
	case <-s.ChildDone():
		logger.Info("session child exited", "name", name, "code", s.ExitCode())
	case <-s.Done():
	}
	// The session may have been renamed since; remove by identity.
	r.removeSession(s)
}

// Get returns the named session.
func (r *Registry) Get(name string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	if !ok {
		return nil, werr.SessionNotFound(name)
	}
	return s, nil
}

// List returns session names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for n := range r.sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the session count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SessionsByTags returns the union of sessions carrying any of the tags.
func (r *Registry) SessionsByTags(tags []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, t := range tags {
		for name := range r.tagIndex[t] {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Tags returns the session's tag set, sorted.
func (r *Registry) Tags(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.tags[name]
	if !ok {
		return nil, werr.SessionNotFound(name)
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Rename atomically moves the entry, updates the session's own name,
// and rewrites every tag index entry.
func (r *Registry) Rename(oldName, newName string) error {
	if newName == "" {
		return werr.InvalidRequest("new name must not be empty")
	}
	r.mu.Lock()
	s, ok := r.sessions[oldName]
	if !ok {
		r.mu.Unlock()
		return werr.SessionNotFound(oldName)
	}
	if _, dup := r.sessions[newName]; dup {
		r.mu.Unlock()
		return werr.New(werr.CodeSessionExists, "session %q already exists", newName)
	}
	delete(r.sessions, oldName)
	r.sessions[newName] = s
	set := r.tags[oldName]
	delete(r.tags, oldName)
	r.tags[newName] = set
	for t := range set {
		delete(r.tagIndex[t], oldName)
		r.tagIndex[t][newName] = struct{}{}
	}
	s.SetName(newName)
	r.mu.Unlock()

	r.broadcast(Event{Kind: Renamed, Name: newName, OldName: oldName})
	return nil
}

// Remove destroys the named session.
func (r *Registry) Remove(name string) error {
	r.mu.RLock()
	s, ok := r.sessions[name]
	r.mu.RUnlock()
	if !ok {
		return werr.SessionNotFound(name)
	}
	r.removeSession(s)
	return nil
}

// removeSession removes by identity so that rename racing child-exit
// cannot remove a stranger that took the old name.
func (r *Registry) removeSession(s *session.Session) {
	r.mu.Lock()
	name := s.Name()
	cur, ok := r.sessions[name]
	if !ok || cur != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, name)
	for t := range r.tags[name] {
		delete(r.tagIndex[t], name)
		if len(r.tagIndex[t]) == 0 {
			delete(r.tagIndex, t)
		}
	}
	delete(r.tags, name)
	empty := len(r.sessions) == 0
	shouldExit := empty && r.ephemeral && !r.persisted
	r.mu.Unlock()

	s.Close()
	r.broadcast(Event{Kind: Destroyed, Name: name})
	logger.Info("session destroyed", "name", name)

	if shouldExit {
		r.shutdownOnce.Do(func() { close(r.shutdownCh) })
	}
}

// ValidateTag enforces the tag grammar: non-empty, at most 64 bytes,
// alphanumeric plus -_. only.
func ValidateTag(tag string) error {
	if tag == "" || len(tag) > 64 {
		return werr.InvalidTag(tag)
	}
	for _, c := range []byte(tag) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return werr.InvalidTag(tag)
		}
	}
	return nil
}

// AddTags validates and adds tags, updating the session set and the
// reverse index under one write lock.
func (r *Registry) AddTags(name string, tags []string) error {
	for _, t := range tags {
		if err := ValidateTag(t); err != nil {
			return err
		}
	}
	r.mu.Lock()
	set, ok := r.tags[name]
	if !ok {
		r.mu.Unlock()
		return werr.SessionNotFound(name)
	}
	var added []string
	for _, t := range tags {
		if _, has := set[t]; has {
			continue
		}
		set[t] = struct{}{}
		if r.tagIndex[t] == nil {
			r.tagIndex[t] = make(map[string]struct{})
		}
		r.tagIndex[t][name] = struct{}{}
		added = append(added, t)
	}
	r.mu.Unlock()

	if len(added) > 0 {
		r.broadcast(Event{Kind: TagsChanged, Name: name, Added: added})
	}
	return nil
}

// RemoveTags validates and removes tags symmetrically to AddTags.
func (r *Registry) RemoveTags(name string, tags []string) error {
	for _, t := range tags {
		if err := ValidateTag(t); err != nil {
			return err
		}
	}
	r.mu.Lock()
	set, ok := r.tags[name]
	if !ok {
		r.mu.Unlock()
		return werr.SessionNotFound(name)
	}
	var removed []string
	for _, t := range tags {
		if _, has := set[t]; !has {
			continue
		}
		delete(set, t)
		delete(r.tagIndex[t], name)
		if len(r.tagIndex[t]) == 0 {
			delete(r.tagIndex, t)
		}
		removed = append(removed, t)
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		r.broadcast(Event{Kind: TagsChanged, Name: name, Removed: removed})
	}
	return nil
}

// SubscribeEvents registers a lifecycle event feed.
func (r *Registry) SubscribeEvents() *EventSub {
	c := make(chan Event, eventBuffer)
	s := &EventSub{C: c, c: c, r: r}
	r.mu.Lock()
	r.eventSubs[s] = struct{}{}
	r.mu.Unlock()
	return s
}

func (r *Registry) broadcast(e Event) {
	r.mu.Lock()
	for s := range r.eventSubs {
		select {
		case s.c <- e:
		default:
		}
	}
	r.mu.Unlock()
}

// WaitQuiescent blocks until a session matching the tag filter (all
// sessions when tag is empty) has produced no PTY output for the
// debounce window, and returns its name. The context bounds the wait.
func (r *Registry) WaitQuiescent(ctx context.Context, tag string, debounce time.Duration) (string, error) {
	ticker := time.NewTicker(quiescePoll)
	defer ticker.Stop()
	for {
		var names []string
		if tag != "" {
			names = r.SessionsByTags([]string{tag})
		} else {
			names = r.List()
		}
		for _, name := range names {
			s, err := r.Get(name)
			if err != nil {
				continue
			}
			if s.Quiescent(debounce) {
				return name, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", werr.New(werr.CodeTimeout, "no quiescent session within deadline")
		case <-ticker.C:
		}
	}
}

// Shutdown closes every session; used on server exit.
func (r *Registry) Shutdown() {
	for _, name := range r.List() {
		if s, err := r.Get(name); err == nil {
			s.Close()
		}
	}
}

// Describe returns a one-line summary of the named session.
func (r *Registry) Describe(name string) (string, error) {
	s, err := r.Get(name)
	if err != nil {
		return "", err
	}
	tags, _ := r.Tags(name)
	rows, cols := s.Size()
	return fmt.Sprintf("%s\tpid %d\t%dx%d\ttags %v", name, s.Pid(), cols, rows, tags), nil
}
