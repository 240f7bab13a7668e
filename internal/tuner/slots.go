package tuner

import (
	"sync"

	"github.com/gayhub/tablo2hdhr/internal/metrics"
)

// Slots bounds concurrent broadcast streams to the device's tuner count.
type Slots struct {
	mu       sync.Mutex
	inUse    int
	capacity int
}

func NewSlots(capacity int) *Slots {
	if capacity < 0 {
		capacity = 0
	}
	metrics.TunerCapacity.Set(float64(capacity))
	metrics.TunersInUse.Set(0)
	return &Slots{capacity: capacity}
}

// TryAcquire reserves a slot if one is free. It never blocks.
func (s *Slots) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse >= s.capacity {
		return false
	}
	s.inUse++
	metrics.TunersInUse.Set(float64(s.inUse))
	return true
}

func (s *Slots) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse > 0 {
		s.inUse--
	}
	metrics.TunersInUse.Set(float64(s.inUse))
}

func (s *Slots) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

func (s *Slots) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}
