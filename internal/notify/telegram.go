// Package notify fans task status changes out to Telegram. Projects opt in
// by carrying a telegram_topic_id; everything here is best-effort and never
// propagates failures back into the workflow.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/workflow"
)

// Sender posts one message into a chat topic. Satisfied by botSender in
// production and by fakes in tests.
type Sender interface {
	Send(chatID int64, topicID int64, text string) error
}

// ProjectResolver looks up the project a task event belongs to.
type ProjectResolver interface {
	ProjectGet(ctx context.Context, id string) (*workflow.ProjectContext, error)
}

// Notifier subscribes to the event bus and forwards task status changes.
type Notifier struct {
	sender   Sender
	resolver ProjectResolver
	eventBus *bus.Bus
	chatID   int64
	logger   *slog.Logger
}

// Options configures a Notifier.
type Options struct {
	Token    string
	ChatID   int64
	Sender   Sender // overrides Token when set
	Resolver ProjectResolver
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// New builds a Notifier. With no Sender and no Token it returns nil — the
// caller just skips wiring it.
func New(opts Options) (*Notifier, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sender := opts.Sender
	if sender == nil {
		if opts.Token == "" {
			return nil, nil
		}
		bot, err := tgbotapi.NewBotAPI(opts.Token)
		if err != nil {
			return nil, fmt.Errorf("telegram bot init: %w", err)
		}
		sender = &botSender{bot: bot}
	}
	return &Notifier{
		sender:   sender,
		resolver: opts.Resolver,
		eventBus: opts.Bus,
		chatID:   opts.ChatID,
		logger:   logger,
	}, nil
}

// Start consumes task status events until the context is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	sub := n.eventBus.Subscribe(bus.TopicTaskStatusChanged)
	go func() {
		defer n.eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				payload, ok := ev.Payload.(bus.TaskStatusChangedEvent)
				if !ok {
					continue
				}
				n.notify(ctx, payload)
			}
		}
	}()
}

func (n *Notifier) notify(ctx context.Context, ev bus.TaskStatusChangedEvent) {
	bundle, err := n.resolver.ProjectGet(ctx, ev.ProjectID)
	if err != nil {
		n.logger.Debug("notify: project lookup failed", "project_id", ev.ProjectID, "error", err)
		return
	}
	if bundle.Project.TelegramTopicID == nil {
		return
	}

	text := formatStatusChange(ev)
	if err := n.sender.Send(n.chatID, *bundle.Project.TelegramTopicID, text); err != nil {
		n.logger.Warn("notify: telegram send failed", "project_id", ev.ProjectID, "task_id", ev.TaskID, "error", err)
	}
}

func formatStatusChange(ev bus.TaskStatusChangedEvent) string {
	from := ev.FromStatus
	if from == "" {
		from = "(new)"
	}
	text := fmt.Sprintf("Task #%d %q: %s → %s", ev.TaskID, ev.Title, from, ev.ToStatus)
	if ev.Reason != "" {
		text += "\n" + ev.Reason
	}
	return text
}

// botSender posts through the Telegram Bot API. Topic routing uses a reply
// to the topic's root message, which threads the message into the topic.
type botSender struct {
	bot *tgbotapi.BotAPI
}

func (b *botSender) Send(chatID int64, topicID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if topicID > 0 {
		msg.ReplyToMessageID = int(topicID)
	}
	_, err := b.bot.Send(msg)
	return err
}
