package llist

import "sync"
import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

func TestPushPopFifo(t *testing.T) {
	var l List_t[int]

	assert.True(t, l.Empty())

	for i := 0; i < 5; i++ {
		n := &Node_t[int]{Val: i}
		was := l.Push(n)
		assert.Equal(t, i == 0, was)
	}
	assert.False(t, l.Empty())

	n := Reverse(l.Popall())
	require.True(t, l.Empty())

	var got []int
	for ; n != nil; n = n.Next {
		got = append(got, n.Val)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestConcurrentPush(t *testing.T) {
	var l List_t[int]
	const producers = 8
	const per = 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				l.Push(&Node_t[int]{Val: p*per + i})
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for n := l.Popall(); n != nil; n = n.Next {
		require.False(t, seen[n.Val])
		seen[n.Val] = true
	}
	assert.Equal(t, producers*per, len(seen))
}
