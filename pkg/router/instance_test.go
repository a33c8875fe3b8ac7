package router

import (
	"testing"
	"time"
)

func TestUpsertSameRegistrationReusesRecord(t *testing.T) {
	tb := newTable()

	a := tb.upsert(Registration{ID: "a", Host: "localhost", Port: 9001, Weight: 2})
	b := tb.upsert(Registration{ID: "a", Host: "localhost", Port: 9001, Weight: 2})
	if a != b {
		t.Error("Unchanged registration should reuse the existing record")
	}
}

func TestUpsertChangedAddressReplacesRecord(t *testing.T) {
	tb := newTable()

	old := tb.upsert(Registration{ID: "a", Host: "localhost", Port: 9001, Weight: 1})
	old.acquire()
	old.acquire()

	// Drive the backend unhealthy so we can see the state carry over.
	for i := 0; i < 3; i++ {
		tb.recordProbe("a", false, 0)
	}

	// A proxy goroutine holding the old pointer must keep seeing the
	// address it dialed; the changed registration lands on a new record.
	fresh := tb.upsert(Registration{ID: "a", Host: "localhost", Port: 9002, Weight: 1})
	if fresh == old {
		t.Fatal("Changed registration must not mutate the published record")
	}
	if old.Addr() != "localhost:9001" {
		t.Errorf("Old record address changed to %s", old.Addr())
	}
	if fresh.Addr() != "localhost:9002" {
		t.Errorf("New record address is %s, want localhost:9002", fresh.Addr())
	}

	if fresh.healthy {
		t.Error("Health state should carry over to the replacement record")
	}
	if fresh.Connections() != 2 {
		t.Errorf("Replacement record has %d connections, want 2", fresh.Connections())
	}

	if got, ok := tb.get("a"); !ok || got != fresh {
		t.Error("Table should serve the replacement record")
	}
}

func TestRecordProbeFlipsAfterThreeFailures(t *testing.T) {
	tb := newTable()
	tb.upsert(Registration{ID: "a", Host: "localhost", Port: 9001})

	for i := 0; i < 2; i++ {
		if _, changed := tb.recordProbe("a", false, 0); changed {
			t.Fatalf("Flipped after %d failures", i+1)
		}
	}
	if flippedTo, changed := tb.recordProbe("a", false, 0); !changed || flippedTo {
		t.Errorf("Third failure should flip unhealthy, got flippedTo=%v changed=%v", flippedTo, changed)
	}

	if flippedTo, changed := tb.recordProbe("a", true, 5*time.Millisecond); !changed || !flippedTo {
		t.Errorf("Success should flip healthy, got flippedTo=%v changed=%v", flippedTo, changed)
	}
}
