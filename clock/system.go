// A thin wrapper over the system clock which can be replaced by a manual clock in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	CurrentTimeMs() uint64
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

// Manual is a clock that only moves when told to.
type Manual struct {
	lock sync.Mutex
	now  time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) CurrentTimeMs() uint64 {
	return uint64(m.Now().UnixMilli())
}

func (m *Manual) Now() time.Time {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.now = m.now.Add(d)
}

func (m *Manual) Set(t time.Time) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.now = t
}

// Converts a millisecond timestamp as stored by the databases back into a time.
func FromMs(ms uint64) time.Time {
	return time.UnixMilli(int64(ms))
}

func ToMs(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}
