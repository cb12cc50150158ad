package engine

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"conduit/internal/clock"
)

type ResultKind uint8

const (
	ResultOk ResultKind = iota
	ResultRetryable
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultOk:
		return "ok"
	case ResultRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Result is returned by a side effect.
type Result struct {
	Kind   ResultKind
	Reason string
}

func Ok() Result { return Result{Kind: ResultOk} }
func Retryable(reason string) Result { return Result{Kind: ResultRetryable, Reason: reason} }
func Fatal(reason string) Result { return Result{Kind: ResultFatal, Reason: reason} }

// SideEffect runs after the records of a command are committed. Side effects
// never run during replay and their failure never rolls back state.
type SideEffect func(ctx context.Context) Result

type retryer struct {
	attempts     int
	interval     time.Duration
	backoffCoeff int
	clock        clock.Clock
	logger       *zap.Logger
}

// run retries fn while it reports a retryable failure, up to the configured
// attempts. The last result is returned.
func (r *retryer) run(ctx context.Context, fn SideEffect) Result {
	var res Result
	for cnt := 0; cnt < r.attempts; cnt++ {
		if ctx.Err() != nil {
			return Retryable(ctx.Err().Error())
		}
		res = fn(ctx)
		if res.Kind != ResultRetryable {
			return res
		}
		if cnt == r.attempts-1 {
			break
		}
		interval := retryInterval(r.interval, r.backoffCoeff, cnt)
		r.logger.Warn("side effect failed, retrying",
			zap.String("reason", res.Reason), zap.Int("attempt", cnt+1), zap.Duration("interval", interval))
		if err := r.clock.Sleep(ctx, interval); err != nil {
			return Retryable(err.Error())
		}
	}
	return res
}

func retryInterval(interval time.Duration, backoffCoeff, retryCount int) time.Duration {
	coeff := math.Pow(float64(backoffCoeff), float64(retryCount))
	return time.Duration(float64(interval) * coeff)
}
