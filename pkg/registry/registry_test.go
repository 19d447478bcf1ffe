package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pmkol/lanwatch/pkg/event"
)

func testRecord(name string, ttl uint32, observed time.Time) event.Record {
	return event.Record{
		Name:       name,
		Type:       "PTR",
		TTL:        ttl,
		ObservedAt: observed,
	}
}

func TestAddOrUpdateKeepsFirstTimestamp(t *testing.T) {
	r := New(Opts{Hub: event.NewHub(nil)})

	first := time.Now().Add(-time.Minute)
	if isNew := r.AddOrUpdate(testRecord("printer.local", 120, first)); !isNew {
		t.Fatal("first insert should be new")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}

	second := testRecord("printer.local", 500, time.Now())
	second.Type = "SRV"
	if isNew := r.AddOrUpdate(second); isNew {
		t.Fatal("update should not be new")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}

	got := r.GetAll()["printer.local"]
	if got.TTL != 500 || got.Type != "SRV" {
		t.Fatalf("update did not replace fields: %+v", got)
	}
	if !got.ObservedAt.Equal(first) {
		t.Fatalf("ObservedAt was refreshed: got %v, want %v", got.ObservedAt, first)
	}
}

func TestAddOrUpdateRefusesGoodbye(t *testing.T) {
	r := New(Opts{Hub: event.NewHub(nil)})
	rec := testRecord("gone.local", 0, time.Now())
	rec.Goodbye = true
	if r.AddOrUpdate(rec) {
		t.Fatal("goodbye record must not be stored")
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestRemove(t *testing.T) {
	r := New(Opts{Hub: event.NewHub(nil)})

	if _, ok := r.Remove("nope.local"); ok {
		t.Fatal("removing an absent name must return nothing")
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d", r.Len())
	}

	r.AddOrUpdate(testRecord("printer.local", 120, time.Now()))
	rec, ok := r.Remove("printer.local")
	if !ok || rec.Name != "printer.local" {
		t.Fatalf("Remove = %+v, %v", rec, ok)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d after remove", r.Len())
	}
}

func TestGetAllHidesExpiredWhileLenCountsThem(t *testing.T) {
	r := New(Opts{Hub: event.NewHub(nil)})

	r.AddOrUpdate(testRecord("stale.local", 1, time.Now().Add(-time.Minute)))
	r.AddOrUpdate(testRecord("fresh.local", 3600, time.Now()))
	// TTL 0 never expires by time.
	r.AddOrUpdate(testRecord("pinned.local", 0, time.Now().Add(-time.Hour)))

	all := r.GetAll()
	if _, ok := all["stale.local"]; ok {
		t.Fatal("expired entry leaked into snapshot")
	}
	if _, ok := all["fresh.local"]; !ok {
		t.Fatal("fresh entry missing from snapshot")
	}
	if _, ok := all["pinned.local"]; !ok {
		t.Fatal("zero-ttl entry must never expire")
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, raw count must include the stale entry", r.Len())
	}
}

func TestSweepRemovesAndNotifiesOnce(t *testing.T) {
	hub := event.NewHub(nil)
	expired := make(chan event.Record, 8)
	hub.Subscribe(func(e event.Event) {
		if e.Kind == event.KindExpired {
			expired <- e.Record
		}
	})
	// A panicking subscriber must not stop the sweep.
	hub.Subscribe(func(e event.Event) { panic("boom") })

	r := New(Opts{Hub: hub, SweepInterval: time.Millisecond * 10})
	r.AddOrUpdate(testRecord("stale.local", 1, time.Now().Add(-time.Minute)))
	r.AddOrUpdate(testRecord("fresh.local", 3600, time.Now()))

	r.StartSweeper()
	defer r.StopSweeper()

	select {
	case rec := <-expired:
		if rec.Name != "stale.local" {
			t.Fatalf("unexpected expired record %q", rec.Name)
		}
	case <-time.After(time.Second * 2):
		t.Fatal("no expired event")
	}

	// Exactly one event for the one removed entry.
	time.Sleep(time.Millisecond * 50)
	select {
	case rec := <-expired:
		t.Fatalf("duplicate expired event for %q", rec.Name)
	default:
	}

	if r.Len() != 1 {
		t.Fatalf("Len = %d after sweep", r.Len())
	}
	if _, ok := r.GetAll()["fresh.local"]; !ok {
		t.Fatal("fresh entry was swept")
	}
}

func TestSweeperStartStopIdempotent(t *testing.T) {
	r := New(Opts{Hub: event.NewHub(nil), SweepInterval: time.Millisecond * 5})
	r.StartSweeper()
	r.StartSweeper()
	r.StopSweeper()
	r.StopSweeper()
	r.StartSweeper()
	r.StopSweeper()
}

func TestRegistryRace(t *testing.T) {
	hub := event.NewHub(nil)
	hub.Subscribe(func(event.Event) {})
	r := New(Opts{Hub: hub, SweepInterval: time.Millisecond})
	r.StartSweeper()
	defer r.StopSweeper()

	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 256; j++ {
				name := fmt.Sprintf("svc-%d.local", j%8)
				r.AddOrUpdate(testRecord(name, 60, time.Now()))
				r.GetAll()
				if j%3 == 0 {
					r.Remove(name)
				}
				r.Len()
			}
		}(i)
	}
	wg.Wait()

	// At quiescence the raw count equals the number of live keys.
	if got, want := r.Len(), len(r.GetAll()); got != want {
		t.Fatalf("Len = %d, live keys = %d", got, want)
	}
}
