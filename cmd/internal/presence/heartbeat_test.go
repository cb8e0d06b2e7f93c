package presence

import (
	"sync"
	"testing"
	"time"
)

func TestHeartbeatTableRecordDelete(t *testing.T) {
	t.Parallel()

	tbl := NewHeartbeatTable()
	at := time.Now()

	tbl.Record(GlobalScope, "u1", at)
	tbl.Record(RoomScope("7"), "u1", at)

	if got, ok := tbl.Last(GlobalScope, "u1"); !ok || !got.Equal(at) {
		t.Fatalf("Last=%v,%v", got, ok)
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len=%d want 2", tbl.Len())
	}

	// Re-recording only refreshes the timestamp; no duplicate records.
	tbl.Record(GlobalScope, "u1", at.Add(time.Second))
	if tbl.Len() != 2 {
		t.Fatalf("Len after re-record=%d want 2", tbl.Len())
	}

	tbl.Delete(GlobalScope, "u1")
	tbl.Delete(GlobalScope, "u1") // idempotent
	if _, ok := tbl.Last(GlobalScope, "u1"); ok {
		t.Fatal("record survived delete")
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len=%d want 1", tbl.Len())
	}
}

func TestHeartbeatTableSnapshotIsConsistentUnderWrites(t *testing.T) {
	t.Parallel()

	tbl := NewHeartbeatTable()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			tbl.Record(GlobalScope, "writer", time.Now())
			tbl.Delete(RoomScope("7"), "writer")
			i++
			_ = i
		}
	}()

	// Snapshots taken while a writer mutates the table must iterate cleanly.
	for i := 0; i < 100; i++ {
		snap := tbl.Snapshot()
		for k, v := range snap {
			if k.User == "" || v.IsZero() {
				t.Errorf("corrupt snapshot entry: %+v -> %v", k, v)
			}
		}
	}

	close(stop)
	wg.Wait()
}
