// Package notify forwards task firings to a chat. It consumes task.fired
// events from the bus so a slow chat API never stalls an executor.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"jobsched/internal/eventbus"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"
)

const (
	defaultRatePerSec = 1.0
	defaultQueueSize  = 64
	sendTimeout       = 10 * time.Second
)

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec float64
	QueueSize  int
}

type telegramSender struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

// NewTelegramSender builds an offline bot (no getMe round trip) that only sends.
func NewTelegramSender(cfg Config) (Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return &telegramSender{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (s *telegramSender) Send(_ context.Context, text string) error {
	_, err := s.bot.Send(s.chat, text, &tele.SendOptions{
		ThreadID:              s.threadID,
		DisableWebPagePreview: true,
	})
	return err
}

// DropFunc is told why a notification was skipped ("rate", "send").
type DropFunc func(reason string)

type Notifier struct {
	cfg     Config
	sender  Sender
	limiter *rate.Limiter
	log     logx.Logger
	onDrop  DropFunc

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger, onDrop DropFunc) *Notifier {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Notifier{
		cfg:     cfg,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		log:     log,
		onDrop:  onDrop,
	}
}

// Run consumes task.fired events until ctx ends. The subscription buffer is
// the send queue; the bus drops events while it is full.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(n.cfg.QueueSize, engine.EventTaskFired)
	defer unsubscribe()
	n.log.Info("notifier started", logx.Int64("chat_id", n.cfg.ChatID), logx.Any("rate_per_sec", n.cfg.RatePerSec))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			ev, ok := e.Data.(engine.ExecutionEvent)
			if !ok {
				continue
			}
			n.Handle(ctx, ev)
		}
	}
}

// Handle sends one event, or drops it when the rate budget is spent.
func (n *Notifier) Handle(ctx context.Context, ev engine.ExecutionEvent) {
	if !n.limiter.Allow() {
		n.drop("rate", ev, nil)
		return
	}
	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := n.sender.Send(sctx, FormatEvent(ev))
	cancel()
	if err != nil {
		n.drop("send", ev, err)
		return
	}
	n.sent.Add(1)
}

func (n *Notifier) drop(reason string, ev engine.ExecutionEvent, err error) {
	n.dropped.Add(1)
	if n.onDrop != nil {
		n.onDrop(reason)
	}
	n.log.Debug("notification dropped",
		logx.String("reason", reason),
		logx.String("task_id", ev.ID),
		logx.Err(err),
	)
}

func (n *Notifier) Sent() uint64    { return n.sent.Load() }
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// FormatEvent renders the message body for one firing.
func FormatEvent(ev engine.ExecutionEvent) string {
	return fmt.Sprintf("%s\n\ntask %s · %s #%d · %s",
		ev.Content, ev.ID, ev.ScheduleType, ev.Seq, ev.FiredAt.Format(time.RFC3339))
}
