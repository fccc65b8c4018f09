package middleware

import (
	"context"
	"time"

	batch "github.com/UniQw/batch-go"
)

// Logging returns middleware that logs job start and completion.
func Logging(logger batch.Logger) batch.Middleware {
	if logger == nil {
		logger = batch.NewFmtLogger()
	}
	return func(next batch.HandlerFunc) batch.HandlerFunc {
		return func(ctx context.Context, payload []byte) error {
			j, _ := batch.JobInfo(ctx)
			logger.Debugf("job started: id=%s type=%s queue=%s attempt=%d", j.ID, j.TypeID, j.Queue, j.Attempt)

			start := time.Now()
			err := next(ctx, payload)
			elapsed := time.Since(start)

			if err != nil {
				logger.Warnf("job failed: id=%s type=%s queue=%s attempt=%d elapsed=%s err=%v", j.ID, j.TypeID, j.Queue, j.Attempt, elapsed, err)
			} else {
				logger.Infof("job completed: id=%s type=%s queue=%s elapsed=%s", j.ID, j.TypeID, j.Queue, elapsed)
			}
			return err
		}
	}
}
