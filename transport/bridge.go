// Package transport bridges chats to the orchestrator over NATS. The chat
// connector publishes inbound messages on chat.in.<chatJid> and button
// callbacks on chat.callback.<chatJid>; the bridge persists inbound traffic
// and publishes replies on chat.out.<chatJid>, chunked at line boundaries.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/nanoclaw/store"
)

// Subject layout. The chat id rides in the last token.
const (
	subjectInPrefix       = "chat.in."
	subjectOutPrefix      = "chat.out."
	subjectCallbackPrefix = "chat.callback."
)

// MaxMessageSize is the chat transport's outbound limit; longer messages are
// chunked at line boundaries.
const MaxMessageSize = 4096

// InboundMessage is the wire form of one chat message.
type InboundMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	ChatName  string    `json:"chatName,omitempty"`
}

// Callback is the wire form of one inline-button press.
type Callback struct {
	Payload string `json:"payload"`
}

// CallbackHandler receives button callbacks.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, chatID, payload string) error
}

// Config holds bridge settings.
type Config struct {
	// URL of an external NATS server. Empty starts an embedded one.
	URL string
}

// Bridge owns the NATS connection.
type Bridge struct {
	cfg      Config
	store    *store.Store
	logger   *slog.Logger
	embedded *natsserver.Server
	conn     *nats.Conn
	subs     []*nats.Subscription
}

// NewBridge creates a bridge; Start establishes the connection.
func NewBridge(cfg Config, st *store.Store, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		store:  st,
		logger: logger.With(slog.String("component", "transport")),
	}
}

// Start connects (or boots the embedded server) and subscribes the inbound
// and callback streams. callbacks may be nil.
func (b *Bridge) Start(ctx context.Context, callbacks CallbackHandler) error {
	if err := b.connect(); err != nil {
		return err
	}

	inSub, err := b.conn.Subscribe(subjectInPrefix+">", func(msg *nats.Msg) {
		if err := b.handleInbound(msg); err != nil {
			b.logger.Warn("inbound message dropped",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe inbound: %w", err)
	}
	b.subs = append(b.subs, inSub)

	cbSub, err := b.conn.Subscribe(subjectCallbackPrefix+">", func(msg *nats.Msg) {
		if callbacks == nil {
			return
		}
		if err := b.handleCallback(ctx, callbacks, msg); err != nil {
			b.logger.Warn("callback dropped",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe callbacks: %w", err)
	}
	b.subs = append(b.subs, cbSub)

	b.logger.Info("chat bridge connected", slog.Bool("embedded", b.embedded != nil))
	return nil
}

func (b *Bridge) connect() error {
	if b.cfg.URL != "" {
		conn, err := nats.Connect(b.cfg.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		b.conn = conn
		return nil
	}

	ns, err := natsserver.NewServer(&natsserver.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}
	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	b.embedded = ns
	b.conn = conn
	return nil
}

// Close drains the connection and stops the embedded server if one runs.
func (b *Bridge) Close() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	if b.conn != nil {
		_ = b.conn.Drain()
		b.conn.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
}

// ClientURL exposes the connection target, useful when embedding.
func (b *Bridge) ClientURL() string {
	if b.embedded != nil {
		return b.embedded.ClientURL()
	}
	return b.cfg.URL
}

// handleInbound persists one chat message for the router to pick up.
func (b *Bridge) handleInbound(msg *nats.Msg) error {
	chatID := strings.TrimPrefix(msg.Subject, subjectInPrefix)
	if chatID == "" || chatID == msg.Subject {
		return fmt.Errorf("no chat id in subject %q", msg.Subject)
	}
	var in InboundMessage
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		return fmt.Errorf("parse inbound message: %w", err)
	}
	if in.ID == "" {
		return fmt.Errorf("inbound message has no id")
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
	if in.ChatName != "" {
		if err := b.store.StoreChat(chatID, in.ChatName); err != nil {
			b.logger.Warn("store chat failed", slog.String("chat", chatID), slog.String("error", err.Error()))
		}
	}
	return b.store.InsertMessage(store.Message{
		ID:        in.ID,
		ChatJID:   chatID,
		Sender:    in.Sender,
		Content:   in.Text,
		Timestamp: in.Timestamp,
	})
}

func (b *Bridge) handleCallback(ctx context.Context, handler CallbackHandler, msg *nats.Msg) error {
	chatID := strings.TrimPrefix(msg.Subject, subjectCallbackPrefix)
	if chatID == "" || chatID == msg.Subject {
		return fmt.Errorf("no chat id in subject %q", msg.Subject)
	}
	var cb Callback
	if err := json.Unmarshal(msg.Data, &cb); err != nil {
		return fmt.Errorf("parse callback: %w", err)
	}
	if cb.Payload == "" {
		return fmt.Errorf("callback has no payload")
	}
	return handler.HandleCallback(ctx, chatID, cb.Payload)
}

// SendMessage publishes text to a chat, chunked at line boundaries when it
// exceeds the transport limit.
func (b *Bridge) SendMessage(chatJID, text string) error {
	if b.conn == nil {
		return fmt.Errorf("bridge is not connected")
	}
	for _, chunk := range ChunkMessage(text, MaxMessageSize) {
		payload, err := json.Marshal(map[string]string{"text": chunk})
		if err != nil {
			return fmt.Errorf("marshal outbound message: %w", err)
		}
		if err := b.conn.Publish(subjectOutPrefix+chatJID, payload); err != nil {
			return fmt.Errorf("publish to %s: %w", chatJID, err)
		}
	}
	return b.conn.Flush()
}

// ChunkMessage splits text into pieces of at most limit bytes, preferring
// line boundaries. A single line longer than the limit is split mid-line.
func ChunkMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	lines := strings.Split(text, "\n")
	var current strings.Builder
	for _, line := range lines {
		// Hard-split oversized lines first.
		for len(line) > limit {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		need := len(line)
		if current.Len() > 0 {
			need++ // newline separator
		}
		if current.Len()+need > limit {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
