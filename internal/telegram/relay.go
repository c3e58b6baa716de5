// Package telegram forwards user events to linked Telegram chats while the
// user has no live WebSocket connection.
package telegram

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// queueSize bounds the notifications waiting to be sent
const queueSize = 64

// sender is the part of the bot API the relay uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type notification struct {
	userID string
	chatID int64
	text   string
}

// Relay sends one-line summaries of user events to Telegram
type Relay struct {
	api    sender
	chats  map[string]int64
	logger *zap.Logger
	queue  chan notification

	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool
}

// NewRelay connects to the bot API. chats maps user ids to Telegram chat ids.
func NewRelay(token string, chats map[string]int64, logger *zap.Logger) (*Relay, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Error("Failed to create bot API", zap.Error(err))
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger.Info("Telegram relay created", zap.String("bot_username", api.Self.UserName), zap.Int("linked_chats", len(chats)))
	return newRelay(api, chats, logger), nil
}

func newRelay(api sender, chats map[string]int64, logger *zap.Logger) *Relay {
	linked := make(map[string]int64, len(chats))
	for userID, chatID := range chats {
		linked[userID] = chatID
	}
	return &Relay{
		api:    api,
		chats:  linked,
		logger: logger,
		queue:  make(chan notification, queueSize),
	}
}

// Start runs the send loop until ctx is cancelled or Stop is called
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-r.queue:
				if !ok {
					return
				}
				r.send(n)
			}
		}
	}()
}

// Stop closes the queue and waits for the send loop to exit
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		close(r.queue)
		r.mu.Unlock()
	})
	r.wg.Wait()
}

// Linked reports whether userID has a Telegram chat
func (r *Relay) Linked(userID string) bool {
	_, ok := r.chats[userID]
	return ok
}

// Deliver queues a summary of the event for userID. Events for unlinked
// users, events with no summary, and events arriving while the queue is
// full are dropped.
func (r *Relay) Deliver(userID, eventType string, payload any) {
	chatID, ok := r.chats[userID]
	if !ok {
		return
	}
	text, ok := Summarize(eventType, payload)
	if !ok {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return
	}
	select {
	case r.queue <- notification{userID: userID, chatID: chatID, text: text}:
	default:
		r.logger.Warn("Telegram queue full, dropping notification", zap.String("user_id", userID), zap.String("type", eventType))
	}
}

func (r *Relay) send(n notification) {
	msg := tgbotapi.NewMessage(n.chatID, n.text)
	msg.DisableWebPagePreview = true
	if _, err := r.api.Send(msg); err != nil {
		r.logger.Error("Failed to send Telegram notification",
			zap.String("user_id", n.userID),
			zap.Int64("chat_id", n.chatID),
			zap.Error(err),
		)
	}
}
