package mergequeue

import (
	"time"
)

// Stats aggregates processing outcomes.
type Stats struct {
	Processed        int            `json:"processed"`
	Succeeded        int            `json:"succeeded"`
	Failed           int            `json:"failed"`
	AverageDuration  time.Duration  `json:"average_duration"`
	StrategyCounts   map[string]int `json:"strategy_counts"`
	RetryAttempts    int            `json:"retry_attempts"`
	RetrySuccesses   int            `json:"retry_successes"`
	RetrySuccessRate float64        `json:"retry_success_rate"`
}

// statsCollector accumulates Stats one attempt at a time.
type statsCollector struct {
	processed      int
	succeeded      int
	totalDuration  time.Duration
	strategies     map[string]int
	retryAttempts  int
	retrySuccesses int
}

func newStatsCollector() *statsCollector {
	return &statsCollector{strategies: make(map[string]int)}
}

func (c *statsCollector) record(item *Item) {
	c.processed++
	if item.IsRetry {
		c.retryAttempts++
	}
	if item.Status != StatusComplete {
		return
	}
	c.succeeded++
	c.totalDuration += item.Duration
	if item.StrategyUsed != "" {
		c.strategies[item.StrategyUsed]++
	}
	if item.IsRetry {
		c.retrySuccesses++
	}
}

func (c *statsCollector) snapshot() Stats {
	s := Stats{
		Processed:      c.processed,
		Succeeded:      c.succeeded,
		Failed:         c.processed - c.succeeded,
		StrategyCounts: make(map[string]int, len(c.strategies)),
		RetryAttempts:  c.retryAttempts,
		RetrySuccesses: c.retrySuccesses,
	}
	for k, v := range c.strategies {
		s.StrategyCounts[k] = v
	}
	if c.succeeded > 0 {
		s.AverageDuration = c.totalDuration / time.Duration(c.succeeded)
	}
	if c.retryAttempts > 0 {
		s.RetrySuccessRate = float64(c.retrySuccesses) / float64(c.retryAttempts)
	}
	return s
}
