package concurrent_map

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapGetSetDelete(t *testing.T) {
	m := NewMap[string, int]()

	_, ok := m.Get("a")
	assert.False(t, ok)

	m.Set("a", 1)
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Delete("a")
	_, ok = m.Get("a")
	assert.False(t, ok)
}

func TestMapGetOrSet(t *testing.T) {
	m := NewMap[string, int]()

	v, loaded := m.GetOrSet("a", 1)
	assert.False(t, loaded)
	assert.Equal(t, 1, v)

	v, loaded = m.GetOrSet("a", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, v)
}

func TestMapConcurrentSet(t *testing.T) {
	m := NewMap[int, int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Set(i, i*i)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, m.Len())
	keys := m.Keys()
	sort.Ints(keys)
	assert.Equal(t, 0, keys[0])
	assert.Equal(t, 49, keys[49])
}
