package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemory_GetSetDelete(t *testing.T) {
	s := NewMemory[string]()

	_, ok := s.Get("a")
	assert.False(t, ok)

	s.Set("a", "1")
	v, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, 1, s.Len())

	s.Delete("a")
	_, ok = s.Get("a")
	assert.False(t, ok)
}

func TestMemory_RangeAllowsDeleteAndStops(t *testing.T) {
	s := NewMemory[int]()
	for i, k := range []string{"a", "b", "c"} {
		s.Set(k, i)
	}

	// Deleting while ranging works because Range iterates a snapshot
	s.Range(func(key string, value int) bool {
		if value > 0 {
			s.Delete(key)
		}
		return true
	})
	assert.Equal(t, 1, s.Len())

	visits := 0
	s.Set("d", 3)
	s.Range(func(string, int) bool {
		visits++
		return false
	})
	assert.Equal(t, 1, visits)
}

func TestMemory_UpdateIsAtomic(t *testing.T) {
	s := NewMemory[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update("n", func(cur int, _ bool) (int, bool) { return cur + 1, true })
		}()
	}
	wg.Wait()

	v, _ := s.Get("n")
	assert.Equal(t, 50, v)

	unchanged := s.Update("n", func(cur int, _ bool) (int, bool) { return 0, false })
	assert.Equal(t, 50, unchanged)
}
