package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFamilyOrdering(t *testing.T) {
	d := New(nil)

	var mu sync.Mutex
	var got []int
	d.Register(FamilyVoiceState, func(_ context.Context, event any) {
		mu.Lock()
		got = append(got, event.(int))
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		d.Enqueue(FamilyVoiceState, i)
	}
	d.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("processed %d events, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d processed out of order (got %d)", i, v)
		}
	}
}

func TestEnqueueBeforeStartDoesNotBlock(t *testing.T) {
	d := New(nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			d.Enqueue(FamilyMessage, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked without a running worker")
	}
	d.Stop()
}

func TestUnknownFamilyIgnored(t *testing.T) {
	d := New(nil)
	d.Enqueue(Family("bogus"), 1) // must not panic
	d.Stop()
}

func TestDrainWaitsForInFlight(t *testing.T) {
	d := New(nil)
	release := make(chan struct{})
	handled := make(chan struct{})
	d.Register(FamilyReaction, func(_ context.Context, _ any) {
		close(handled)
		<-release
	})
	d.Enqueue(FamilyReaction, "x")
	d.Start(context.Background())
	<-handled

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Drain(ctx); err == nil {
		t.Fatal("Drain returned while a handler was in flight")
	}

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := d.Drain(ctx2); err != nil {
		t.Fatalf("Drain after release: %v", err)
	}
	d.Stop()
}

func TestUserLocksSerialize(t *testing.T) {
	locks := NewUserLocks()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Lock("u1")
			defer locks.Unlock("u1")
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxActive)
	}
	if locks.Len() != 0 {
		t.Fatalf("lock table leaked %d entries", locks.Len())
	}
}

func TestUserLocksIndependent(t *testing.T) {
	locks := NewUserLocks()
	locks.Lock("u1")
	done := make(chan struct{})
	go func() {
		locks.Lock("u2")
		locks.Unlock("u2")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("u2 lock blocked by u1 holder")
	}
	locks.Unlock("u1")
}
