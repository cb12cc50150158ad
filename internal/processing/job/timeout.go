package job

import (
	"context"
	"time"

	"go.uber.org/zap"

	"conduit/internal/clock"
	"conduit/internal/protocol"
	"conduit/internal/state"
)

// SubmitFunc writes a command to the partition log.
type SubmitFunc func(ctx context.Context, cmd protocol.Record) error

// TimeoutChecker periodically writes TimeOut commands for activated jobs
// whose deadline has passed. It only reads committed state; the command
// handler re-checks the deadline, so stale submissions are rejected.
type TimeoutChecker struct {
	State    *state.Store
	Submit   SubmitFunc
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger

	// deadline of the last TimeOut submitted per job
	submitted map[int64]int64
}

func (c *TimeoutChecker) Run(ctx context.Context) error {
	if c.Submit == nil {
		return errNoSubmitter
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.submitted = map[int64]int64{}
	for {
		if err := c.Clock.Sleep(ctx, c.Interval); err != nil {
			return err
		}
		if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
			c.Logger.Warn("job timeout check failed", zap.Error(err))
		}
	}
}

// Check submits TimeOut commands for every expired job not yet submitted
// for its current deadline. It returns the number of commands written.
func (c *TimeoutChecker) Check(ctx context.Context) (int, error) {
	if c.submitted == nil {
		c.submitted = map[int64]int64{}
	}
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
	now := c.Clock.Now().UnixMilli()
	type expired struct{ key, deadline int64 }
	var due []expired
	live := map[int64]bool{}
	c.State.ForEach(deadlinesCF, nil, func(k, _ []byte) bool {
		deadline := state.DecodeInt64Key(k[:8])
		key := state.DecodeInt64Key(k[8:])
		if deadline > now {
			return false
		}
		live[key] = true
		if c.submitted[key] != deadline {
			due = append(due, expired{key, deadline})
		}
		return true
	})
	for key := range c.submitted {
		if !live[key] {
			delete(c.submitted, key)
		}
	}
	n := 0
	for _, e := range due {
		cmd := protocol.NewCommand(ValueType, TimeOut, protocol.NilPayload)
		cmd.Key = e.key
		if err := c.Submit(ctx, cmd); err != nil {
			return n, err
		}
		c.submitted[e.key] = e.deadline
		n++
	}
	return n, nil
}
