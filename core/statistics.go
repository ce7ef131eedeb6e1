package core

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics provides several functions to update and retrieve stats about a probing run
type Statistics interface {
	RunStarted()
	RunEnded()
	ProbesSent(n int)
	ProbeAnswered(rtt uint64)
	ProbesLost(n int)

	GetStartTime() (time.Time, bool)
	GetEndTime() (time.Time, bool)

	GetTotalSent() uint32
	GetTotalRecv() uint32
	GetTotalLost() uint32
	GetPktLoss() float64

	GetRTTMax() uint64
	GetRTTMin() uint64
	GetRTTAvg() uint64
	GetRTTMDev() uint64
}

// statistics aggregate stats about a probing run
type statistics struct {

	// totalSent is the total amount of probes sent in this run.
	totalSent uint32

	// totalRecv is the total amount of probes answered in time in this run.
	totalRecv uint32

	// totalLost is the total amount of probes that received no reply before their deadline.
	totalLost uint32

	// rttsMutex controls updates to the rtt aggregates
	rttsMutex sync.RWMutex

	// rttsCount is the number of rtts aggregated.
	rttsCount uint64

	// rttsMin contains the smallest encountered rtt
	rttsMin uint64

	// rttsMax contains the largest encountered rtt
	rttsMax uint64

	// rttsSum contains the sum of all rtts
	rttsSum uint64

	// rttsSqSum contains the sum of the squares of all rtts, squared nanoseconds overflow an uint64
	// within a few dozen rtts of a second.
	rttsSqSum float64

	// timeMutex controls updates to the times
	timeMutex sync.RWMutex

	// stTime contains the start time of the run
	stTime time.Time

	// started indicates whether the stTime has been initialized
	started bool

	// endTime contains the end time of the run
	endTime time.Time

	// ended indicates whether the endTime has been initialized
	ended bool
}

func (s *statistics) RunStarted() {
	s.timeMutex.Lock()
	defer s.timeMutex.Unlock()

	s.stTime = time.Now()
	s.started = true
}

func (s *statistics) RunEnded() {
	s.timeMutex.Lock()
	defer s.timeMutex.Unlock()

	s.endTime = time.Now()
	s.ended = true
}

func (s *statistics) ProbesSent(n int) {
	atomic.AddUint32(&s.totalSent, uint32(n))
}

func (s *statistics) ProbeAnswered(rtt uint64) {
	atomic.AddUint32(&s.totalRecv, 1)

	s.rttsMutex.Lock()
	defer s.rttsMutex.Unlock()

	s.rttsCount++
	s.rttsMax = max(s.rttsMax, rtt)
	s.rttsMin = min(s.rttsMin, rtt)
	s.rttsSum += rtt
	s.rttsSqSum += float64(rtt) * float64(rtt)
}

func (s *statistics) ProbesLost(n int) {
	atomic.AddUint32(&s.totalLost, uint32(n))
}

func (s *statistics) GetStartTime() (time.Time, bool) {
	s.timeMutex.RLock()
	defer s.timeMutex.RUnlock()

	return s.stTime, s.started
}

func (s *statistics) GetEndTime() (time.Time, bool) {
	s.timeMutex.RLock()
	defer s.timeMutex.RUnlock()

	return s.endTime, s.ended
}

func (s *statistics) GetTotalSent() uint32 {
	return atomic.LoadUint32(&s.totalSent)
}

func (s *statistics) GetTotalRecv() uint32 {
	return atomic.LoadUint32(&s.totalRecv)
}

func (s *statistics) GetTotalLost() uint32 {
	return atomic.LoadUint32(&s.totalLost)
}

func (s *statistics) GetPktLoss() float64 {
	if s.GetTotalSent() == 0 {
		return 0
	}

	return float64(s.GetTotalLost()) / float64(s.GetTotalSent())
}

func (s *statistics) GetRTTMax() uint64 {
	s.rttsMutex.RLock()
	defer s.rttsMutex.RUnlock()

	return s.rttsMax
}

func (s *statistics) GetRTTMin() uint64 {
	s.rttsMutex.RLock()
	defer s.rttsMutex.RUnlock()

	return min(s.rttsMax, s.rttsMin)
}

func (s *statistics) GetRTTAvg() uint64 {
	s.rttsMutex.RLock()
	defer s.rttsMutex.RUnlock()

	return s.rttAvg()
}

func (s *statistics) GetRTTMDev() uint64 {
	s.rttsMutex.RLock()
	defer s.rttsMutex.RUnlock()

	if s.rttsCount == 0 {
		return 0
	}

	n := float64(s.rttsCount)
	mean := float64(s.rttsSum) / n
	sqrd := s.rttsSqSum/n - mean*mean
	if sqrd < 0 {
		return 0
	}
	return uint64(math.Round(math.Sqrt(sqrd)))
}

// rttAvg must be called with rttsMutex held.
func (s *statistics) rttAvg() uint64 {
	if s.rttsCount == 0 {
		return 0
	}

	return s.rttsSum / s.rttsCount
}

// NewStatistics creates and initializes a Statistics struct.
func NewStatistics() Statistics {
	return &statistics{
		rttsMin: math.MaxInt64,
	}
}
