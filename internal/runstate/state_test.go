package runstate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartsAtZero(t *testing.T) {
	s := New()
	snap := s.Snapshot()
	assert.Zero(t, snap.Succeeded)
	assert.Zero(t, snap.Failed)
	assert.Nil(t, snap.LastError)
	_, running := s.Running()
	assert.False(t, running)
}

func TestRecordSuccessAndFailure(t *testing.T) {
	s := New()
	now := time.Now()

	s.MarkRunning("fw.elf", now)
	img, running := s.Running()
	assert.True(t, running)
	assert.Equal(t, "fw.elf", img)

	s.RecordSuccess(now)
	assert.Equal(t, uint64(1), s.Succeeded())
	_, running = s.Running()
	assert.False(t, running)

	boom := errors.New("attach failed")
	s.RecordFailure(boom, now)
	assert.Equal(t, uint64(1), s.Succeeded(), "failure must not advance the run counter")
	assert.Equal(t, uint64(1), s.Failed())
	assert.Equal(t, boom, s.LastError())

	s.RecordSuccess(now)
	assert.Nil(t, s.LastError())
	assert.Equal(t, uint64(2), s.Succeeded())

	s.RecordStop()
	assert.Equal(t, uint64(1), s.Snapshot().Stopped)
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.RecordSuccess(time.Now())
		}
	}()
	go func() {
		defer wg.Done()
		var last uint64
		for i := 0; i < 1000; i++ {
			cur := s.Snapshot().Succeeded
			assert.GreaterOrEqual(t, cur, last)
			last = cur
		}
	}()
	wg.Wait()
	assert.Equal(t, uint64(1000), s.Succeeded())
}
