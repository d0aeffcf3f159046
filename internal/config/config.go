// Package config loads dispatchd's settings from environment variables
// or a parsed hierarchical document: a single immutable record with an
// env-based loader and a fallback helper for each value kind.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// BackPressure controls admission rejection under projected overload.
type BackPressure struct {
	Enabled                      bool
	MaxBufferSize                int
	ThresholdForExpectedWaitTime time.Duration
	MaxHistoryLength             time.Duration
}

// CircuitBreaker controls the processor's dispatch gate.
type CircuitBreaker struct {
	Enabled            bool
	CloseDuration      time.Duration
	ErrorRateThreshold float64
	HistoryLength      int
}

// AutoScaling controls the sampler that resizes the worker pool.
type AutoScaling struct {
	Enabled        bool
	SamplePeriod   time.Duration
	ShrinkAfter    int // consecutive idle samples required before shrinking
	ErrorRateLimit float64
}

// WorkerPool bounds the processor's worker count.
type WorkerPool struct {
	StartingPoolSize int
	MinPoolSize      int
	MaxPoolSize      int
	MaxProcessingTime time.Duration
}

// DispatchHistory holds a dispatch-history window length. It is loaded
// by FromEnv and FromMap but not read by the queue, whose throughput
// window is BackPressure.MaxHistoryLength.
type DispatchHistory struct {
	MaxHistoryLength time.Duration
}

// Settings is the single immutable configuration record consumed by
// internal/dispatch. Optional sections are active only when their
// Enabled flag is true.
type Settings struct {
	WorkTimeout     time.Duration
	WorkRetry       int
	DispatchHistory DispatchHistory
	WorkerPool      WorkerPool
	CircuitBreaker  CircuitBreaker
	BackPressure    BackPressure
	AutoScaling     AutoScaling
}

// Default returns dispatchd's out-of-the-box settings: breaker,
// backpressure and autoscaling all disabled, two starting workers.
func Default() Settings {
	return Settings{
		WorkTimeout: time.Minute,
		WorkRetry:   0,
		DispatchHistory: DispatchHistory{
			MaxHistoryLength: 10 * time.Second,
		},
		WorkerPool: WorkerPool{
			StartingPoolSize: 2,
			MinPoolSize:      1,
			MaxPoolSize:      8,
		},
		CircuitBreaker: CircuitBreaker{
			Enabled:            false,
			CloseDuration:      30 * time.Second,
			ErrorRateThreshold: 0.6,
			HistoryLength:      20,
		},
		BackPressure: BackPressure{
			Enabled:                      false,
			MaxBufferSize:                60000,
			ThresholdForExpectedWaitTime: 5 * time.Minute,
			MaxHistoryLength:             10 * time.Second,
		},
		AutoScaling: AutoScaling{
			Enabled:        false,
			SamplePeriod:   2500 * time.Millisecond,
			ShrinkAfter:    2,
			ErrorRateLimit: 0.5,
		},
	}
}

// Validate reports configuration errors that must be fatal to
// dispatcher construction.
func (s Settings) Validate() error {
	if s.WorkTimeout <= 0 {
		return fmt.Errorf("config: WorkTimeout must be positive")
	}
	if s.WorkRetry < 0 {
		return fmt.Errorf("config: WorkRetry must be >= 0")
	}
	if s.WorkerPool.MinPoolSize <= 0 {
		return fmt.Errorf("config: WorkerPool.MinPoolSize must be > 0")
	}
	if s.WorkerPool.MaxPoolSize < s.WorkerPool.MinPoolSize {
		return fmt.Errorf("config: WorkerPool.MaxPoolSize must be >= MinPoolSize")
	}
	if s.WorkerPool.StartingPoolSize < s.WorkerPool.MinPoolSize || s.WorkerPool.StartingPoolSize > s.WorkerPool.MaxPoolSize {
		return fmt.Errorf("config: WorkerPool.StartingPoolSize must be within [Min, Max]")
	}
	if s.CircuitBreaker.Enabled {
		if s.CircuitBreaker.ErrorRateThreshold < 0 || s.CircuitBreaker.ErrorRateThreshold > 1 {
			return fmt.Errorf("config: CircuitBreaker.ErrorRateThreshold must be within [0,1]")
		}
		if s.CircuitBreaker.HistoryLength <= 0 {
			return fmt.Errorf("config: CircuitBreaker.HistoryLength must be > 0")
		}
	}
	if s.BackPressure.Enabled && s.BackPressure.MaxBufferSize <= 0 {
		return fmt.Errorf("config: BackPressure.MaxBufferSize must be > 0")
	}
	return nil
}

// FromEnv builds Settings from environment variables, falling back to
// Default() for anything unset.
func FromEnv() Settings {
	s := Default()

	s.WorkTimeout = getEnvDuration("DISPATCHD_WORK_TIMEOUT", s.WorkTimeout)
	s.WorkRetry = getEnvInt("DISPATCHD_WORK_RETRY", s.WorkRetry)
	s.DispatchHistory.MaxHistoryLength = getEnvDuration("DISPATCHD_DISPATCH_HISTORY", s.DispatchHistory.MaxHistoryLength)

	s.WorkerPool.StartingPoolSize = getEnvInt("DISPATCHD_POOL_STARTING", s.WorkerPool.StartingPoolSize)
	s.WorkerPool.MinPoolSize = getEnvInt("DISPATCHD_POOL_MIN", s.WorkerPool.MinPoolSize)
	s.WorkerPool.MaxPoolSize = getEnvInt("DISPATCHD_POOL_MAX", s.WorkerPool.MaxPoolSize)
	s.WorkerPool.MaxProcessingTime = getEnvDuration("DISPATCHD_POOL_MAX_PROCESSING_TIME", s.WorkerPool.MaxProcessingTime)

	s.CircuitBreaker.Enabled = getEnvBool("DISPATCHD_BREAKER_ENABLED", s.CircuitBreaker.Enabled)
	s.CircuitBreaker.CloseDuration = getEnvDuration("DISPATCHD_BREAKER_CLOSE_DURATION", s.CircuitBreaker.CloseDuration)
	s.CircuitBreaker.ErrorRateThreshold = getEnvFloat("DISPATCHD_BREAKER_ERROR_RATE", s.CircuitBreaker.ErrorRateThreshold)
	s.CircuitBreaker.HistoryLength = getEnvInt("DISPATCHD_BREAKER_HISTORY_LENGTH", s.CircuitBreaker.HistoryLength)

	s.BackPressure.Enabled = getEnvBool("DISPATCHD_BACKPRESSURE_ENABLED", s.BackPressure.Enabled)
	s.BackPressure.MaxBufferSize = getEnvInt("DISPATCHD_MAX_BUFFER_SIZE", s.BackPressure.MaxBufferSize)
	s.BackPressure.ThresholdForExpectedWaitTime = getEnvDuration("DISPATCHD_EWT_THRESHOLD", s.BackPressure.ThresholdForExpectedWaitTime)
	s.BackPressure.MaxHistoryLength = getEnvDuration("DISPATCHD_BACKPRESSURE_HISTORY", s.BackPressure.MaxHistoryLength)

	s.AutoScaling.Enabled = getEnvBool("DISPATCHD_AUTOSCALE_ENABLED", s.AutoScaling.Enabled)
	s.AutoScaling.SamplePeriod = getEnvDuration("DISPATCHD_AUTOSCALE_PERIOD", s.AutoScaling.SamplePeriod)
	s.AutoScaling.ShrinkAfter = getEnvInt("DISPATCHD_AUTOSCALE_SHRINK_AFTER", s.AutoScaling.ShrinkAfter)
	s.AutoScaling.ErrorRateLimit = getEnvFloat("DISPATCHD_AUTOSCALE_ERROR_RATE_LIMIT", s.AutoScaling.ErrorRateLimit)

	return s
}

// FromMap builds Settings from a generic parsed-document shape (e.g. a
// decoded YAML/JSON tree), for callers embedding dispatchd inside a
// larger service's own hierarchical config source rather than reading
// process environment variables directly.
func FromMap(m map[string]any) Settings {
	s := Default()

	if v, ok := m["work_timeout"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			s.WorkTimeout = d
		}
	}
	if v, ok := m["work_retry"].(int); ok {
		s.WorkRetry = v
	}
	if dh, ok := m["dispatch_history"].(map[string]any); ok {
		if v, ok := dh["max_history_length"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				s.DispatchHistory.MaxHistoryLength = d
			}
		}
	}
	if wp, ok := m["worker_pool"].(map[string]any); ok {
		if v, ok := wp["starting_pool_size"].(int); ok {
			s.WorkerPool.StartingPoolSize = v
		}
		if v, ok := wp["min_pool_size"].(int); ok {
			s.WorkerPool.MinPoolSize = v
		}
		if v, ok := wp["max_pool_size"].(int); ok {
			s.WorkerPool.MaxPoolSize = v
		}
	}
	if cb, ok := m["circuit_breaker"].(map[string]any); ok {
		s.CircuitBreaker.Enabled = true
		if v, ok := cb["close_duration"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				s.CircuitBreaker.CloseDuration = d
			}
		}
		if v, ok := cb["error_rate_threshold"].(float64); ok {
			s.CircuitBreaker.ErrorRateThreshold = v
		}
		if v, ok := cb["history_length"].(int); ok {
			s.CircuitBreaker.HistoryLength = v
		}
	}
	if bp, ok := m["back_pressure"].(map[string]any); ok {
		s.BackPressure.Enabled = true
		if v, ok := bp["max_buffer_size"].(int); ok {
			s.BackPressure.MaxBufferSize = v
		}
		if v, ok := bp["threshold_for_expected_wait_time"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				s.BackPressure.ThresholdForExpectedWaitTime = d
			}
		}
		if v, ok := bp["max_history_length"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				s.BackPressure.MaxHistoryLength = d
			}
		}
	}
	if as, ok := m["auto_scaling"].(map[string]any); ok {
		s.AutoScaling.Enabled = true
		if v, ok := as["sample_period"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				s.AutoScaling.SamplePeriod = d
			}
		}
		if v, ok := as["shrink_after"].(int); ok {
			s.AutoScaling.ShrinkAfter = v
		}
	}

	return s
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}
