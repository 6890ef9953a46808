package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/n0remac/streamgraph/config"
	"github.com/n0remac/streamgraph/runtimeerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerCreation(t *testing.T) {
	s := New(config.DefaultSchedulerConfig())
	assert.Equal(t, 32, s.MaxConcurrency())
}

func TestSuccessfulExecution(t *testing.T) {
	s := New(config.DefaultSchedulerConfig())

	res, err := s.ExecuteStreamingNode(context.Background(), "test_node", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, 0, res.RetryCount)
	assert.Greater(t, res.DurationUs, int64(0))
}

func TestExecutionFailureNoRetry(t *testing.T) {
	s := New(config.DefaultSchedulerConfig())

	_, err := s.ExecuteStreamingNode(context.Background(), "test_node", func(ctx context.Context) (any, error) {
		return nil, errors.New("test error")
	})
	require.Error(t, err)

	stats, ok := s.GetNodeStats("test_node")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.ErrorCount)
}

func TestRetryForRetryableNode(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.RetryableNodes = map[string]bool{"retryable_node": true}
	cfg.RetryPolicy = config.RetryPolicy{Kind: config.RetryFixed, MaxRetries: 3, Delay: 10}

	s := New(cfg)

	var attempts atomic.Int32
	res, err := s.ExecuteStreamingNode(context.Background(), "retryable_node", func(ctx context.Context) (any, error) {
		attempt := attempts.Add(1)
		if attempt < 3 {
			return nil, errors.New("transient error")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestTimeout(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.DefaultTimeoutMs = 10
	s := New(cfg)

	_, err := s.ExecuteStreamingNode(context.Background(), "slow_node", func(ctx context.Context) (any, error) {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
		}
		return 42, nil
	})
	require.Error(t, err)
	var nodeErr *runtimeerr.NodeExecutionErr
	require.True(t, errors.As(err, &nodeErr))
	assert.True(t, strings.Contains(err.Error(), "timed out") || errors.Is(nodeErr.Cause, context.DeadlineExceeded) || strings.Contains(nodeErr.Cause.Error(), "timed out"))
}

func TestCircuitBreaker(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.CircuitBreakerThreshold = 3
	s := New(cfg)

	for i := 0; i < 3; i++ {
		_, _ = s.ExecuteStreamingNode(context.Background(), "failing_node", func(ctx context.Context) (any, error) {
			return nil, errors.New("failure")
		})
	}

	_, err := s.ExecuteStreamingNode(context.Background(), "failing_node", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "circuit open"))

	stats, ok := s.GetNodeStats("failing_node")
	require.True(t, ok)
	assert.True(t, stats.CircuitBreakerOpen)
}

func TestExecuteStreamingNodeFastSuccess(t *testing.T) {
	s := New(config.DefaultSchedulerConfig())

	val, err := s.ExecuteStreamingNodeFast(context.Background(), "fast_path_node", func(ctx context.Context) (any, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, val)

	stats, ok := s.GetNodeStats("fast_path_node")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.ExecutionCount)
	assert.Equal(t, int64(0), stats.ErrorCount)
}

func TestExecuteStreamingNodeFastRespectsOpenCircuit(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.CircuitBreakerThreshold = 1
	s := New(cfg)

	_, _ = s.ExecuteStreamingNodeFast(context.Background(), "flaky_fast_node", func(ctx context.Context) (any, error) {
		return nil, errors.New("failure")
	})

	_, err := s.ExecuteStreamingNodeFast(context.Background(), "flaky_fast_node", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "circuit open"))
}

func TestPerNodeTimeout(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.DefaultTimeoutMs = 1000
	cfg.NodeTimeouts = map[string]int64{"fast_node": 10}
	s := New(cfg)

	_, err := s.ExecuteStreamingNode(context.Background(), "fast_node", func(ctx context.Context) (any, error) {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
		}
		return 42, nil
	})
	require.Error(t, err)
}

func TestLatencyPercentiles(t *testing.T) {
	s := New(config.DefaultSchedulerConfig())

	for i := 0; i < 10; i++ {
		_, err := s.ExecuteStreamingNode(context.Background(), "test_node", func(ctx context.Context) (any, error) {
			time.Sleep(100 * time.Microsecond)
			return nil, nil
		})
		require.NoError(t, err)
	}

	stats, ok := s.GetNodeStats("test_node")
	require.True(t, ok)
	assert.Greater(t, stats.P50Us, int64(0))
	assert.GreaterOrEqual(t, stats.P95Us, stats.P50Us)
	assert.GreaterOrEqual(t, stats.P99Us, stats.P95Us)
}

func TestPrometheusExport(t *testing.T) {
	s := New(config.DefaultSchedulerConfig())

	_, err := s.ExecuteStreamingNode(context.Background(), "test_node", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)

	prom := s.ToPrometheus()
	assert.True(t, strings.Contains(prom, "streaming_scheduler_node_executions_total"))
	assert.True(t, strings.Contains(prom, "streaming_scheduler_node_latency_p50_us"))
	assert.True(t, strings.Contains(prom, "streaming_scheduler_max_concurrency"))
}

func TestConcurrencyLimiting(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.MaxConcurrency = 2
	s := New(cfg)

	var active, maxConcurrent atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ExecuteStreamingNode(context.Background(), "concurrent_node", func(ctx context.Context) (any, error) {
				current := active.Add(1)
				for {
					old := maxConcurrent.Load()
					if current <= old || maxConcurrent.CompareAndSwap(old, current) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				active.Add(-1)
				return nil, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxConcurrent.Load(), int32(2))
}
