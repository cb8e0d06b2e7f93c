package chat

import (
	"sync"
	"testing"
)

func TestTrackerLastSessionWins(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Add("room:7", "u1", "s1")
	tr.Add("room:7", "u1", "s2")

	if !tr.Active("room:7", "u1") {
		t.Fatal("expected u1 active")
	}
	if tr.Remove("room:7", "u1", "s1") {
		t.Fatal("s1 must not be the last session")
	}
	if !tr.Active("room:7", "u1") {
		t.Fatal("u1 still has s2 open")
	}
	if !tr.Remove("room:7", "u1", "s2") {
		t.Fatal("s2 is the last session")
	}
	if tr.Active("room:7", "u1") {
		t.Fatal("u1 should be gone")
	}
}

func TestTrackerScopesAreIndependent(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Add("room:7", "u1", "s1")
	tr.Add("global", "u1", "s2")

	if !tr.Remove("room:7", "u1", "s1") {
		t.Fatal("s1 is the only room session")
	}
	if !tr.Active("global", "u1") {
		t.Fatal("global session must survive the room removal")
	}
}

func TestTrackerRemoveUnknownSession(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	if tr.Remove("room:7", "u1", "ghost") {
		t.Fatal("unknown session must report false")
	}

	tr.Add("room:7", "u1", "s1")
	if tr.Remove("room:7", "u1", "ghost") {
		t.Fatal("unknown session must not count as last")
	}
	if !tr.Active("room:7", "u1") {
		t.Fatal("s1 must survive")
	}
}

func TestTrackerConcurrentAddRemove(t *testing.T) {
	t.Parallel()

	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			tr.Add("room:7", "u1", id)
			tr.Remove("room:7", "u1", id)
		}(i)
	}
	wg.Wait()

	if tr.Active("room:7", "u1") {
		t.Fatal("all sessions removed, none should remain")
	}
}
