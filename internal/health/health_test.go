package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/cardguard/internal/circuitbreaker"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryStampsNamesInOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(context.Context) Status { return Status{Healthy: true} })
	r.Register("geo_index", func(context.Context) Status {
		return Status{Name: "ignored", Healthy: false, Detail: "0 entries"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one failing check should make the registry unhealthy")
	}
	if len(statuses) != 2 || statuses[0].Name != "store" || statuses[1].Name != "geo_index" {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if statuses[1].Detail != "0 entries" {
		t.Fatalf("expected detail '0 entries', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("store", func(context.Context) Status { return Status{Healthy: true} })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	if _, statuses := r.CheckAll(context.Background()); len(statuses) != 10 {
		t.Fatalf("expected 10 statuses, got %d", len(statuses))
	}
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.err
}

func TestPingChecker(t *testing.T) {
	ok := PingChecker("store", stubPinger{}, time.Second)(context.Background())
	if !ok.Healthy || ok.Name != "store" {
		t.Fatalf("expected healthy store, got %+v", ok)
	}

	down := PingChecker("store", stubPinger{err: errors.New("connection refused")}, time.Second)(context.Background())
	if down.Healthy {
		t.Fatal("expected unhealthy store")
	}
	if down.Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", down.Detail)
	}
}

func TestSizeChecker(t *testing.T) {
	n := 0
	check := SizeChecker("geo_index", func() int { return n }, 1)

	if check(context.Background()).Healthy {
		t.Fatal("empty index should be unhealthy")
	}
	n = 42
	st := check(context.Background())
	if !st.Healthy || st.Detail != "42 entries" {
		t.Fatalf("expected healthy with 42 entries, got %+v", st)
	}
}

func TestBreakerChecker(t *testing.T) {
	b := circuitbreaker.New(2, time.Hour)
	check := BreakerChecker("store_circuits", b, "get_card_state", "put_card_state")

	st := check(context.Background())
	if !st.Healthy || st.Detail != "get_card_state=closed put_card_state=closed" {
		t.Fatalf("expected all circuits closed, got %+v", st)
	}

	b.RecordFailure("put_card_state")
	b.RecordFailure("put_card_state")

	st = check(context.Background())
	if st.Healthy {
		t.Fatal("an open circuit should be unhealthy")
	}
	if st.Detail != "get_card_state=closed put_card_state=open" {
		t.Fatalf("unexpected detail %q", st.Detail)
	}
}
