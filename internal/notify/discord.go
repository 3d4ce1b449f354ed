package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/core"
)

// MaxMessageLength is Discord's limit for one message.
const MaxMessageLength = 2000

type messageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type DiscordSink struct {
	session messageSender
	logger  *zap.Logger
}

// NewDiscordSession opens a bot session for sending messages.
func NewDiscordSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("failed to open Discord session: %w", err)
	}
	return session, nil
}

func NewDiscordSink(session messageSender, logger *zap.Logger) *DiscordSink {
	return &DiscordSink{
		session: session,
		logger:  logger.With(zap.String("component", "discord_sink")),
	}
}

func (s *DiscordSink) Deliver(ctx context.Context, req core.NotificationRequest) error {
	if req.ChannelID == "" {
		return fmt.Errorf("notification %s has no channel", req.ID)
	}

	allowed := &discordgo.MessageAllowedMentions{Users: mentionedUsers(req)}
	for i, part := range Split(Format(req), MaxMessageLength) {
		_, err := s.session.ChannelMessageSendComplex(req.ChannelID, &discordgo.MessageSend{
			Content:         part,
			AllowedMentions: allowed,
		}, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("failed to send part %d to channel %s: %w", i+1, req.ChannelID, err)
		}
	}

	s.logger.Debug("Notification delivered",
		zap.String("guild_id", req.GuildID),
		zap.String("category", string(req.Category)),
		zap.String("clan_tag", req.ClanTag),
	)
	return nil
}

func mentionedUsers(req core.NotificationRequest) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, m := range req.Audience.Mentions {
		add(m.UserID)
	}
	for _, id := range req.Audience.UserIDs {
		add(id)
	}
	return out
}

// Format renders a request as message text.
func Format(req core.NotificationRequest) string {
	var b strings.Builder
	name := req.ClanName
	if name == "" {
		name = req.ClanTag
	}

	switch req.Category {
	case core.CategoryWarEndReminder:
		fmt.Fprintf(&b, "⚔️ **%s**: %s ends in %s!\n", name, warLabel(req), formatRemaining(req.Remaining))
		writeAttackers(&b, req.Audience)

	case core.CategoryPrepReminder:
		fmt.Fprintf(&b, "🛡️ **%s** is in preparation for %s.", name, warLabel(req))
		if len(req.Audience.UserIDs) > 0 {
			b.WriteString(" Time to set up the war base and lineup:")
			for _, id := range req.Audience.UserIDs {
				fmt.Fprintf(&b, " <@%s>", id)
			}
		}
		b.WriteString("\n")

	case core.CategoryLeagueDonate:
		fmt.Fprintf(&b, "🎁 **%s**: CWL round %d has ended. Donate troops for the next round!\n", name, req.RoundNumber)

	default:
		fmt.Fprintf(&b, "**%s**: %s\n", name, req.Category)
	}

	return strings.TrimRight(b.String(), "\n")
}

func warLabel(req core.NotificationRequest) string {
	if req.Mode == core.ModeLeague && req.RoundNumber > 0 {
		return fmt.Sprintf("CWL round %d", req.RoundNumber)
	}
	return "the war"
}

func formatRemaining(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "less than a minute"
	}
	h, m := int(d.Hours()), int(d.Minutes())%60
	switch {
	case h == 0:
		return fmt.Sprintf("%d min", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh %d min", h, m)
}

func writeAttackers(b *strings.Builder, a core.Audience) {
	if len(a.Mentions) > 0 {
		b.WriteString("Still to attack:\n")
		mentions := append([]core.Mention(nil), a.Mentions...)
		sort.SliceStable(mentions, func(i, j int) bool { return mentions[i].UserID < mentions[j].UserID })
		for _, m := range mentions {
			fmt.Fprintf(b, "<@%s> %s (%s) %s left\n", m.UserID, m.PlayerName, m.PlayerTag, attacks(m.AttacksMissing))
		}
	}
	if len(a.Unlinked) > 0 {
		b.WriteString("Not linked:\n")
		for _, p := range a.Unlinked {
			fmt.Fprintf(b, "%s (%s) %s left\n", p.Name, p.Tag, attacks(p.AttacksRemaining()))
		}
	}
}

func attacks(n int) string {
	if n == 1 {
		return "1 attack"
	}
	return fmt.Sprintf("%d attacks", n)
}

// Split breaks text into parts of at most limit bytes, preferring line
// boundaries.
func Split(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var (
		parts   []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, strings.TrimRight(current.String(), "\n"))
			current.Reset()
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			flush()
			cut := limit
			// Do not cut a multi-byte rune in half.
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			parts = append(parts, line[:cut])
			line = line[cut:]
		}
		if current.Len()+len(line) > limit {
			flush()
		}
		current.WriteString(line)
	}
	flush()
	return parts
}
