package storage

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

type SweepResult struct {
	Sessions int64
	Pending  int64
	Tokens   int64
}

// Cleaner periodically removes expired sessions, expired pending logins and
// token pairs whose session no longer exists.
type Cleaner struct {
	db       *gorm.DB
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stopChan chan struct{}
	doneChan chan struct{}
}

const DefaultCleanupInterval = 10 * time.Minute

func NewCleaner(db *gorm.DB, interval time.Duration, logger *slog.Logger) *Cleaner {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Cleaner{
		db:       db,
		interval: interval,
		logger:   logger.With("component", "cleanup"),
		now:      time.Now,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (c *Cleaner) Start(ctx context.Context) {
	c.logger.Info("starting session cleanup", "interval", c.interval.String())
	go c.run(ctx)
}

func (c *Cleaner) Stop() {
	close(c.stopChan)
	<-c.doneChan
	c.logger.Info("session cleanup stopped")
}

func (c *Cleaner) run(ctx context.Context) {
	defer close(c.doneChan)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			c.sweep(ctx)
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cleaner) sweep(ctx context.Context) {
	res, err := c.Sweep(ctx)
	if err != nil {
		c.logger.Error("failed to sweep expired sessions", "error", err)
		return
	}

	if res.Sessions > 0 || res.Pending > 0 || res.Tokens > 0 {
		c.logger.Info("swept expired sessions",
			"sessions", res.Sessions,
			"pending", res.Pending,
			"tokens", res.Tokens,
		)
	}
}

func (c *Cleaner) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := c.now().UTC()
	db := c.db.WithContext(ctx)

	sessions := db.Where("expires_at <= ?", now).Delete(&HttpSession{})
	if sessions.Error != nil {
		return res, sessions.Error
	}
	res.Sessions = sessions.RowsAffected

	pending := db.Where("expires_at <= ?", now).Delete(&OauthRequest{})
	if pending.Error != nil {
		return res, pending.Error
	}
	res.Pending = pending.RowsAffected

	tokens := db.Where("session_id NOT IN (?)", c.db.Model(&HttpSession{}).Select("id")).Delete(&OauthSession{})
	if tokens.Error != nil {
		return res, tokens.Error
	}
	res.Tokens = tokens.RowsAffected

	return res, nil
}
