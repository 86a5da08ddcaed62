package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/user/ingest-service/internal/domain"
)

// StreamFunc produces one discovery pass, sending candidates to out and
// closing it when the pass is exhausted.
type StreamFunc func(ctx context.Context, out chan<- domain.Candidate) error

// Loop runs discovery passes forever, sleeping interval between them. It
// stops on its own once stopStreak candidates in a row have resolved as
// duplicates, meaning the source has nothing new to offer; stopStreak <= 0
// disables that and the loop runs until ctx is cancelled.
func (p *Pipeline) Loop(ctx context.Context, stream StreamFunc, interval time.Duration, stopStreak int) error {
	for pass := 1; ; pass++ {
		candidates := make(chan domain.Candidate)
		streamErr := make(chan error, 1)
		go func() {
			streamErr <- stream(ctx, candidates)
		}()

		s, err := p.Run(ctx, candidates)
		if err != nil {
			<-streamErr
			return err
		}
		if err := <-streamErr; err != nil && ctx.Err() == nil {
			p.logger.Error("discovery pass failed", zap.Int("pass", pass), zap.Error(err))
		}

		streak := p.SkipStreak()
		if stopStreak > 0 && streak >= stopStreak {
			p.logger.Info("source is fully caught up, stopping",
				zap.Int("consecutive_duplicates", streak),
				zap.Int("pass", pass),
			)
			return nil
		}

		p.logger.Info("discovery pass complete",
			zap.Int("pass", pass),
			zap.Int("stored", s.Stored),
			zap.Int("skipped_duplicate", s.Skipped),
			zap.Duration("next_pass_in", interval),
		)

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
