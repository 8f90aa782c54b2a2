// Package notify forwards emitted events to an operations chat on Telegram.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"mealslot/internal/effects"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender is the part of tgbotapi.BotAPI used here.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// DefaultEvents are forwarded when no explicit list is given. Creations
// and pick-ups are too frequent to be useful in a chat.
var DefaultEvents = []string{
	effects.EventOrderCancelled,
	effects.EventOrderNoShow,
	effects.EventBlacklistCreated,
	effects.EventBlacklistLifted,
}

type Telegram struct {
	sender  Sender
	chatID  int64
	limiter *rate.Limiter
	events  map[string]bool
	logger  zerolog.Logger
}

// NewBotAPI connects to Telegram with token.
func NewBotAPI(token string, debug bool) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	api.Debug = debug
	return api, nil
}

// NewTelegram sends at most perSecond messages per second to chatID.
func NewTelegram(sender Sender, chatID int64, perSecond float64, logger zerolog.Logger, events ...string) *Telegram {
	if perSecond <= 0 {
		perSecond = 1
	}
	if len(events) == 0 {
		events = DefaultEvents
	}
	t := &Telegram{
		sender:  sender,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		events:  make(map[string]bool, len(events)),
		logger:  logger.With().Str("component", "telegram").Logger(),
	}
	for _, e := range events {
		t.events[e] = true
	}
	return t
}

// Subscribe attaches the notifier to every event on bus.
func (t *Telegram) Subscribe(bus *effects.Bus) {
	bus.Subscribe(effects.AllEvents, t.Handle)
}

// Handle sends ev to the chat if it is one of the forwarded events.
func (t *Telegram) Handle(ctx context.Context, ev effects.Event) error {
	if !t.events[ev.Name] {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}

	msg := tgbotapi.NewMessage(t.chatID, Format(ev))
	if _, err := t.sender.Send(msg); err != nil {
		t.logger.Error().Err(err).Str("event", ev.Name).Msg("failed to send notification")
		return fmt.Errorf("send %s: %w", ev.Name, err)
	}
	return nil
}

// Format renders ev as a chat message.
func Format(ev effects.Event) string {
	p := ev.Payload
	switch ev.Name {
	case effects.EventOrderNoShow:
		return fmt.Sprintf("No-show: user %v did not collect order %v (shift %v, %v)",
			p["user_id"], p["order_id"], p["shift_id"], p["order_date"])
	case effects.EventOrderCancelled:
		s := fmt.Sprintf("Order %v of user %v for %v cancelled", p["order_id"], p["user_id"], p["order_date"])
		if r, ok := p["reason"]; ok {
			s += ": " + fmt.Sprint(r)
		}
		return s
	case effects.EventBlacklistCreated:
		until := "until further notice"
		if end, ok := p["end_date"]; ok {
			until = fmt.Sprintf("until %v", end)
		}
		return fmt.Sprintf("User %v blacklisted %s. %v", p["user_id"], until, p["reason"])
	case effects.EventBlacklistLifted:
		return fmt.Sprintf("User %v unblocked (%v)", p["user_id"], p["reason"])
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(ev.Name)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, p[k])
	}
	return b.String()
}
