// Package notify delivers notification requests to the chat platform.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/core"
)

// Sink receives notification requests. An error means the request was not
// delivered and may be retried.
type Sink interface {
	Deliver(ctx context.Context, req core.NotificationRequest) error
}

// LogSink writes requests to the log. It is used when no bot token is
// configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("component", "log_sink"))}
}

func (s *LogSink) Deliver(_ context.Context, req core.NotificationRequest) error {
	s.logger.Info("Notification",
		zap.String("id", req.ID),
		zap.String("guild_id", req.GuildID),
		zap.String("channel_id", req.ChannelID),
		zap.String("category", string(req.Category)),
		zap.String("threshold", req.Threshold),
		zap.String("clan_tag", req.ClanTag),
		zap.String("round_id", req.RoundID),
		zap.Duration("remaining", req.Remaining.Round(time.Second)),
		zap.Int("mentions", len(req.Audience.Mentions)),
		zap.Int("unlinked", len(req.Audience.Unlinked)),
		zap.Strings("user_ids", req.Audience.UserIDs),
	)
	return nil
}
