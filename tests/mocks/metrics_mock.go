package mocks

import (
	"sync"
	"time"
)

// RecordingMetricsSink is a metrics.Sink double that records every emission
// for later assertions.
type RecordingMetricsSink struct {
	mu        sync.Mutex
	Counts    map[string][]int64
	Durations map[string][]time.Duration
	Texts     map[string][]string
}

// NewRecordingMetricsSink returns an empty recording sink.
func NewRecordingMetricsSink() *RecordingMetricsSink {
	return &RecordingMetricsSink{
		Counts:    make(map[string][]int64),
		Durations: make(map[string][]time.Duration),
		Texts:     make(map[string][]string),
	}
}

func (s *RecordingMetricsSink) Count(name string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Counts[name] = append(s.Counts[name], value)
}

func (s *RecordingMetricsSink) Duration(name string, value time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Durations[name] = append(s.Durations[name], value)
}

func (s *RecordingMetricsSink) Text(name string, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Texts[name] = append(s.Texts[name], value)
}
