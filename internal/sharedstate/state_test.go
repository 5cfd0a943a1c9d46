package sharedstate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorePublishAndGet(t *testing.T) {
	s := NewStore()

	zero := s.Get()
	assert.Equal(t, 0.0, zero.SpeedMPS)

	s.Publish(Snapshot{SpeedMPS: 12.5, HeadingDeg: 90})
	got := s.Get()
	assert.Equal(t, 12.5, got.SpeedMPS)
	assert.Equal(t, 90.0, got.HeadingDeg)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestStorePublishFuncPreservesOtherFields(t *testing.T) {
	s := NewStore()
	s.Publish(Snapshot{SpeedMPS: 10, HeadingDeg: 45})

	s.PublishFunc(func(snap *Snapshot) {
		snap.CPUTempC = 55.5
	})

	got := s.Get()
	assert.Equal(t, 10.0, got.SpeedMPS)
	assert.Equal(t, 45.0, got.HeadingDeg)
	assert.Equal(t, 55.5, got.CPUTempC)
}

func TestStoreConcurrentPublishGet(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			s.Publish(Snapshot{SpeedMPS: float64(n)})
		}(i)
		go func() {
			defer wg.Done()
			_ = s.Get()
		}()
	}
	wg.Wait()
}
