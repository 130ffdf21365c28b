/**
 * @description
 * Scheduled job implementations for the policy-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper defines the service operations the jobs need.
type Sweeper interface {
	ExpireOverduePolicies(ctx context.Context) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper Sweeper
	logger  *slog.Logger
	timeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper Sweeper, logger *slog.Logger) *Jobs {
	return &Jobs{
		sweeper: sweeper,
		logger:  logger,
		timeout: 2 * time.Minute,
	}
}

// ExpireOverduePolicies is the job that moves overdue policies to expired.
func (j *Jobs) ExpireOverduePolicies() {
	j.logger.Info("starting policy expiry sweep")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	expired, err := j.sweeper.ExpireOverduePolicies(ctx)
	if err != nil {
		j.logger.Error("policy expiry sweep failed", "error", err)
		return
	}

	if expired == 0 {
		j.logger.Info("no overdue policies to expire")
		return
	}
	j.logger.Info("policy expiry sweep finished", "expired", expired)
}
