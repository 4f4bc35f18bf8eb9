package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/api"
	"github.com/JakeFAU/answerability-auditor/internal/runner"
)

const (
	defaultMaxTicks  = 10000
	defaultIdlePause = 250 * time.Millisecond
)

func newTickCmd() *cobra.Command {
	var untilDone bool
	var maxTicks int
	cmd := &cobra.Command{
		Use:   "tick <audit-id>",
		Short: "Run one tick of an audit, or keep ticking until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			loop := tickLoop{
				ticker:    app.Ticker(),
				untilDone: untilDone,
				maxTicks:  maxTicks,
				idlePause: cfg.ChainDelay(),
				out:       cmd.OutOrStdout(),
				logger:    app.Logger(),
			}
			return loop.drive(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&untilDone, "until-done", false, "keep ticking until the audit completes or stops running")
	cmd.Flags().IntVar(&maxTicks, "max-ticks", defaultMaxTicks, "upper bound on ticks with --until-done")
	return cmd
}

// tickLoop drives an audit from the command line and prints each outcome.
type tickLoop struct {
	ticker    api.Ticker
	untilDone bool
	maxTicks  int
	// idlePause is slept after a tick that did no work, such as a contended
	// lock or a crawl waiting on another worker's lease.
	idlePause time.Duration
	out       io.Writer
	logger    *zap.Logger
}

// drive ticks id. Without untilDone it stops after one tick.
func (l tickLoop) drive(ctx context.Context, id string) error {
	if l.maxTicks <= 0 {
		return errors.New("max-ticks must be > 0")
	}
	pause := l.idlePause
	if pause <= 0 {
		pause = defaultIdlePause
	}
	for i := 1; i <= l.maxTicks; i++ {
		out, err := l.ticker.Tick(ctx, id)
		if err != nil {
			return fmt.Errorf("tick %s: %w", id, err)
		}
		if err := printJSON(l.out, out); err != nil {
			return err
		}
		if !l.untilDone || out.Completed || out.Skipped {
			l.logger.Debug("tick loop finished", zap.String("audit_id", id), zap.Int("ticks", i))
			return nil
		}
		if idle(out) && i < l.maxTicks {
			if err := sleep(ctx, pause); err != nil {
				return fmt.Errorf("tick %s: %w", id, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("tick %s: %w", id, err)
		}
	}
	return fmt.Errorf("audit %s not finished after %d ticks", id, l.maxTicks)
}

// idle reports whether a tick neither moved the audit nor did phase work.
func idle(out runner.Outcome) bool {
	if out.Advanced || out.Rewound || out.Completed {
		return false
	}
	if out.Crawl != nil {
		return out.Crawl.Leased == nil
	}
	return !out.Continue
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
