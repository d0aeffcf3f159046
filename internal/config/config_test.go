package config

import (
	"testing"
	"time"
)

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default settings should validate: %v", err)
	}
}

func TestValidate_RejectsBadPoolBounds(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Settings)
	}{
		{"min zero", func(s *Settings) { s.WorkerPool.MinPoolSize = 0 }},
		{"max below min", func(s *Settings) { s.WorkerPool.MaxPoolSize = 0 }},
		{"starting out of range", func(s *Settings) { s.WorkerPool.StartingPoolSize = 100 }},
		{"negative retry", func(s *Settings) { s.WorkRetry = -1 }},
		{"zero timeout", func(s *Settings) { s.WorkTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mut(&s)
			if err := s.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestValidate_BreakerBounds(t *testing.T) {
	s := Default()
	s.CircuitBreaker.Enabled = true
	s.CircuitBreaker.ErrorRateThreshold = 1.5
	if err := s.Validate(); err == nil {
		t.Error("expected error for out-of-range error rate threshold")
	}

	s.CircuitBreaker.ErrorRateThreshold = 0.5
	s.CircuitBreaker.HistoryLength = 0
	if err := s.Validate(); err == nil {
		t.Error("expected error for zero history length")
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("DISPATCHD_WORK_TIMEOUT", "5s")
	t.Setenv("DISPATCHD_WORK_RETRY", "3")
	t.Setenv("DISPATCHD_POOL_MIN", "2")
	t.Setenv("DISPATCHD_POOL_MAX", "6")
	t.Setenv("DISPATCHD_POOL_STARTING", "2")
	t.Setenv("DISPATCHD_BREAKER_ENABLED", "true")

	s := FromEnv()

	if s.WorkTimeout != 5*time.Second {
		t.Errorf("WorkTimeout = %v, want 5s", s.WorkTimeout)
	}
	if s.WorkRetry != 3 {
		t.Errorf("WorkRetry = %d, want 3", s.WorkRetry)
	}
	if s.WorkerPool.MinPoolSize != 2 || s.WorkerPool.MaxPoolSize != 6 {
		t.Errorf("pool bounds = [%d,%d], want [2,6]", s.WorkerPool.MinPoolSize, s.WorkerPool.MaxPoolSize)
	}
	if !s.CircuitBreaker.Enabled {
		t.Error("expected breaker enabled")
	}
	if err := s.Validate(); err != nil {
		t.Errorf("overridden settings should validate: %v", err)
	}
}

func TestFromMap(t *testing.T) {
	m := map[string]any{
		"work_timeout": "2m",
		"work_retry":   2,
		"worker_pool": map[string]any{
			"starting_pool_size": 3,
			"min_pool_size":      1,
			"max_pool_size":      5,
		},
		"circuit_breaker": map[string]any{
			"close_duration":        "10s",
			"error_rate_threshold":  0.75,
			"history_length":        10,
		},
		"back_pressure": map[string]any{
			"max_buffer_size": 100,
		},
	}

	s := FromMap(m)

	if s.WorkTimeout != 2*time.Minute {
		t.Errorf("WorkTimeout = %v, want 2m", s.WorkTimeout)
	}
	if !s.CircuitBreaker.Enabled || s.CircuitBreaker.HistoryLength != 10 {
		t.Errorf("unexpected breaker settings: %+v", s.CircuitBreaker)
	}
	if !s.BackPressure.Enabled || s.BackPressure.MaxBufferSize != 100 {
		t.Errorf("unexpected backpressure settings: %+v", s.BackPressure)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("settings from map should validate: %v", err)
	}
}
