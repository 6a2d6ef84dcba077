package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines are running.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// Pinger is implemented by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// LoopCheck fails when a background loop is not running.
func LoopCheck(name string, running func() bool) CheckFunc {
	return func(_ context.Context) error {
		if !running() {
			return errors.Errorf("%s is not running", name)
		}
		return nil
	}
}

// StateCheck reports a descriptive error while state returns false. Used
// with informational checks to surface a state on /readyz.
func StateCheck(state func() (bool, string)) CheckFunc {
	return func(_ context.Context) error {
		if ok, desc := state(); !ok {
			return errors.New(desc)
		}
		return nil
	}
}
