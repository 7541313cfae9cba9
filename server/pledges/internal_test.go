package pledges

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSplitUsernames(t *testing.T) {
	tests := map[string]struct {
		in   []string
		want []string
	}{
		"comma separated":  {in: []string{"alice, bob ,carol"}, want: []string{"alice", "bob", "carol"}},
		"at signs":         {in: []string{"@alice", "b@ob"}, want: []string{"alice", "bob"}},
		"duplicates":       {in: []string{"alice,alice", "alice"}, want: []string{"alice"}},
		"blank entries":    {in: []string{"", " , ", "@"}, want: nil},
		"keeps order":      {in: []string{"zed", "amy"}, want: []string{"zed", "amy"}},
		"case is distinct": {in: []string{"Alice", "alice"}, want: []string{"Alice", "alice"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitUsernames(tt.in))
		})
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("pledge")
			defer unlock()
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, km.len(), "idle keys are released")
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}
