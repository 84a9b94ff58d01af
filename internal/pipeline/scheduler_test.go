package pipeline

import (
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readySet(ids ...int) map[int][]image.Image {
	out := make(map[int][]image.Image, len(ids))
	for _, id := range ids {
		out[id] = []image.Image{image.NewRGBA(image.Rect(0, 0, 1, 1))}
	}
	return out
}

func TestSchedulerRoundRobin(t *testing.T) {
	s := NewScheduler()
	ready := readySet(9, 3, 5)

	var picked []int
	for i := 0; i < 6; i++ {
		id, ok := s.Tick(ready)
		require.True(t, ok)
		picked = append(picked, id)
		<-s.Mailbox()
	}
	assert.Equal(t, []int{3, 5, 9, 3, 5, 9}, picked)
	assert.EqualValues(t, 6, s.Submitted())
}

func TestSchedulerDropsWhenBusy(t *testing.T) {
	s := NewScheduler()
	ready := readySet(1, 2)

	id, ok := s.Tick(ready)
	require.True(t, ok)
	assert.Equal(t, 1, id)
	assert.True(t, s.Busy())

	// Mailbox occupied: candidate dropped, rotation does not advance
	id, ok = s.Tick(ready)
	assert.False(t, ok)
	assert.Equal(t, 2, id)
	id, ok = s.Tick(ready)
	assert.False(t, ok)
	assert.Equal(t, 2, id)
	assert.EqualValues(t, 2, s.Dropped())

	job := <-s.Mailbox()
	assert.Equal(t, 1, job.TrackID)

	id, ok = s.Tick(ready)
	assert.True(t, ok)
	assert.Equal(t, 2, id)
}

func TestSchedulerEmptyReadySet(t *testing.T) {
	s := NewScheduler()
	_, ok := s.Tick(nil)
	assert.False(t, ok)
	assert.False(t, s.Busy())
	assert.Zero(t, s.Submitted()+s.Dropped())
}

func TestSchedulerNeverBlocksUnderConcurrentSubmit(t *testing.T) {
	s := NewScheduler()
	ready := readySet(1, 2, 3)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Tick(ready)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, s.Submitted())
	assert.EqualValues(t, 799, s.Dropped())
	assert.Len(t, s.Mailbox(), 1)
}
