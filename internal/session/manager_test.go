package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dyzdyz010/clawd/internal/bus"
)

func TestStartOrGetConcurrentSingleWinner(t *testing.T) {
	store := openTestStore(t)
	factory := &fakeFactory{store: store}
	factory.configure = func(int, *fakeRunner) {
		// Widen the race window so losers really do contend.
		time.Sleep(10 * time.Millisecond)
	}
	m := testManager(t, store, bus.New(), factory)
	ctx := context.Background()

	const callers = 8
	workers := make([]*Worker, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := m.StartOrGet(ctx, "telegram:100", WorkerOptions{Channel: "telegram"})
			if err != nil {
				t.Errorf("StartOrGet %d: %v", i, err)
				return
			}
			workers[i] = w
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if workers[i] != workers[0] {
			t.Fatalf("caller %d got a different worker", i)
		}
	}
	if factory.started() != 1 {
		t.Fatalf("expected exactly one runner start, got %d", factory.started())
	}
	if keys := m.List(); len(keys) != 1 || keys[0] != "telegram:100" {
		t.Fatalf("unexpected registry contents %v", keys)
	}
	m.StopAll(ctx, time.Second)
}

func TestStartOrGetFailurePropagatesAndClears(t *testing.T) {
	store := openTestStore(t)
	boom := errors.New("backend unavailable")
	factory := &fakeFactory{store: store, startErr: boom}
	m := testManager(t, store, bus.New(), factory)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.StartOrGet(ctx, "telegram:101", WorkerOptions{}); !errors.Is(err, boom) {
				t.Errorf("expected creation failure, got %v", err)
			}
		}()
	}
	wg.Wait()

	if _, ok := m.Find("telegram:101"); ok {
		t.Fatal("failed creation left a registration behind")
	}

	// The failure is not sticky.
	factory.mu.Lock()
	factory.startErr = nil
	factory.mu.Unlock()
	w, err := m.StartOrGet(ctx, "telegram:101", WorkerOptions{})
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	defer w.Stop(ctx)
	if !w.Alive() {
		t.Fatal("retried worker not alive")
	}
}

func TestFindDoesNotCreate(t *testing.T) {
	store := openTestStore(t)
	factory := &fakeFactory{store: store}
	m := testManager(t, store, bus.New(), factory)
	ctx := context.Background()

	if _, ok := m.Find("telegram:102"); ok {
		t.Fatal("Find invented a worker")
	}
	w, err := m.StartOrGet(ctx, "telegram:102", WorkerOptions{})
	if err != nil {
		t.Fatalf("StartOrGet: %v", err)
	}
	defer w.Stop(ctx)

	got, ok := m.Find("telegram:102")
	if !ok || got != w {
		t.Fatal("Find did not return the live worker")
	}
	if factory.started() != 1 {
		t.Fatalf("Find must not start runners, starts=%d", factory.started())
	}
}

func TestStopRemovesRegistration(t *testing.T) {
	store := openTestStore(t)
	factory := &fakeFactory{store: store}
	m := testManager(t, store, bus.New(), factory)
	ctx := context.Background()

	w, err := m.StartOrGet(ctx, "telegram:103", WorkerOptions{})
	if err != nil {
		t.Fatalf("StartOrGet: %v", err)
	}
	if err := m.Stop(ctx, "telegram:103"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if w.Alive() {
		t.Fatal("stopped worker still alive")
	}
	if _, ok := m.Find("telegram:103"); ok {
		t.Fatal("stopped worker still registered")
	}
	if err := m.Stop(ctx, "telegram:103"); err != nil {
		t.Fatalf("Stop on absent key: %v", err)
	}

	// A fresh StartOrGet builds a replacement bound to the same
	// durable session row.
	w2, err := m.StartOrGet(ctx, "telegram:103", WorkerOptions{})
	if err != nil {
		t.Fatalf("StartOrGet after stop: %v", err)
	}
	defer w2.Stop(ctx)
	if w2 == w {
		t.Fatal("expected a new worker instance")
	}
	if w2.SessionID() != w.SessionID() {
		t.Fatal("replacement lost the durable session identity")
	}
}

func TestStartOrGetReplacesStaleWorker(t *testing.T) {
	store := openTestStore(t)
	factory := &fakeFactory{store: store}
	m := testManager(t, store, bus.New(), factory)
	ctx := context.Background()

	w, err := m.StartOrGet(ctx, "telegram:104", WorkerOptions{})
	if err != nil {
		t.Fatalf("StartOrGet: %v", err)
	}
	// Stopped out-of-band, the registry still holds the stale slot.
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	w2, err := m.StartOrGet(ctx, "telegram:104", WorkerOptions{})
	if err != nil {
		t.Fatalf("StartOrGet over stale slot: %v", err)
	}
	defer w2.Stop(ctx)
	if w2 == w || !w2.Alive() {
		t.Fatal("stale worker was handed out again")
	}
	if factory.started() != 2 {
		t.Fatalf("expected a fresh runner start, got %d", factory.started())
	}
}

func TestStopAllDrainsEveryWorker(t *testing.T) {
	store := openTestStore(t)
	factory := &fakeFactory{store: store}
	m := testManager(t, store, bus.New(), factory)
	ctx := context.Background()

	keys := []string{"telegram:105", "telegram:106", "telegram:107"}
	workers := make([]*Worker, 0, len(keys))
	for _, key := range keys {
		w, err := m.StartOrGet(ctx, key, WorkerOptions{})
		if err != nil {
			t.Fatalf("StartOrGet %s: %v", key, err)
		}
		workers = append(workers, w)
	}

	m.StopAll(ctx, 2*time.Second)

	for _, w := range workers {
		if w.Alive() {
			t.Fatalf("worker %s survived StopAll", w.Key())
		}
	}
	if keys := m.List(); len(keys) != 0 {
		t.Fatalf("registry not empty after StopAll: %v", keys)
	}
}
