package service

import (
	"sync"
	"testing"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	var km KeyedMutex
	var counter int

	wg := sync.WaitGroup{}
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("room-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 64 {
		t.Errorf("expected 64 increments under the lock, got %d", counter)
	}
	if len(km.locks) != 0 {
		t.Errorf("expected lock entries to be released, %d remain", len(km.locks))
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	var km KeyedMutex

	unlockA := km.Lock("room-a")
	// holding one room must not block another
	unlockB := km.Lock("room-b")
	unlockB()
	unlockA()

	// and a released key can be taken again
	km.Lock("room-a")()
}

func TestIsNumericCode(t *testing.T) {
	for ref, want := range map[string]bool{
		"123456":  true,
		"000000":  true,
		"12345":   false,
		"1234567": false,
		"12345a":  false,
		"":        false,
	} {
		if got := isNumericCode(ref); got != want {
			t.Errorf("isNumericCode(%q) = %v, want %v", ref, got, want)
		}
	}
}
