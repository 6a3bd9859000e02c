package offload

import (
	"context"
	"time"
)

// SimulatedLoader models a host-to-device copy by sleeping for
// Latency + ExpertBytes/Bandwidth per expert.
type SimulatedLoader struct {
	ExpertBytes int64
	// Bandwidth in bytes per second. Zero means transfers are instant.
	Bandwidth float64
	Latency   time.Duration
}

func (s SimulatedLoader) cost() time.Duration {
	d := s.Latency
	if s.Bandwidth > 0 && s.ExpertBytes > 0 {
		d += time.Duration(float64(s.ExpertBytes) / s.Bandwidth * float64(time.Second))
	}
	return d
}

func (s SimulatedLoader) Load(ctx context.Context, layer, expert int) (int64, error) {
	d := s.cost()
	if d <= 0 {
		return s.ExpertBytes, ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.C:
		return s.ExpertBytes, nil
	}
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, layer, expert int) (int64, error)

func (f LoaderFunc) Load(ctx context.Context, layer, expert int) (int64, error) {
	return f(ctx, layer, expert)
}
