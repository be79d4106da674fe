// Package wa is the WhatsApp chat transport.
package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"bot-topup/internal/convo"
	"bot-topup/internal/metrics"
	"bot-topup/internal/payment"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// EventHandler consumes parsed chat events.
type EventHandler interface {
	Handle(ctx context.Context, ev convo.Event)
}

type sender interface {
	SendMessage(ctx context.Context, to types.JID, message *waProto.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// Client wraps the WhatsMeow client. Chat users are identified by the
// numeric user part of their JID.
type Client struct {
	client  *whatsmeow.Client
	send    sender
	logger  *slog.Logger
	metrics *metrics.Metrics
	handler EventHandler

	mu   sync.RWMutex
	jids map[int64]types.JID
}

var _ convo.Messenger = (*Client)(nil)

type replyContextKey struct{}

// ReplyMetadata carries information for quoting a previous message.
type ReplyMetadata struct {
	Message *waProto.Message
	Info    types.MessageInfo
}

// WithReply attaches reply metadata to the context so outgoing messages quote the given event.
func WithReply(ctx context.Context, evt *events.Message) context.Context {
	if evt == nil || evt.Message == nil {
		return ctx
	}
	cloned, ok := proto.Clone(evt.Message).(*waProto.Message)
	if !ok {
		cloned = evt.Message
	}
	meta := &ReplyMetadata{
		Message: cloned,
		Info:    evt.Info,
	}
	return context.WithValue(ctx, replyContextKey{}, meta)
}

func replyFromContext(ctx context.Context) *ReplyMetadata {
	if ctx == nil {
		return nil
	}
	meta, _ := ctx.Value(replyContextKey{}).(*ReplyMetadata)
	return meta
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := newClient(client, logger, cfg.Metrics)
	wc.client = client
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

func newClient(send sender, logger *slog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		send:    send,
		logger:  logger.With("component", "wa"),
		metrics: m,
		jids:    make(map[int64]types.JID),
	}
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// SetEventHandler registers the consumer of inbound chat events.
func (c *Client) SetEventHandler(h EventHandler) {
	c.handler = h
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	chat := evt.Info.Chat
	userID, err := userIDFromJID(chat)
	if err != nil {
		c.logger.Debug("ignoring message from unsupported jid", "jid", chat.String(), "error", err)
		return
	}

	text, ok := extractText(evt.Message)
	if !ok {
		c.logger.Info("received unsupported message type", "from", chat.String())
		return
	}
	c.remember(userID, chat)
	c.logger.Debug("received text message", "user_id", userID, "text", text)

	if c.handler == nil {
		return
	}
	event := convo.ParseText(convo.Envelope{UserID: userID, Name: evt.Info.PushName}, text)
	// Each event runs in its own goroutine; the engine serializes per user.
	go c.handler.Handle(WithReply(context.Background(), evt), event)
}

func extractText(msg *waProto.Message) (string, bool) {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation(), true
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText(), true
	}
	return "", false
}

func userIDFromJID(jid types.JID) (int64, error) {
	if jid.User == "" {
		return 0, errors.New("empty jid user")
	}
	id, err := strconv.ParseInt(jid.User, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("non-numeric jid user %q", jid.User)
	}
	return id, nil
}

func (c *Client) remember(userID int64, jid types.JID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jids[userID] = jid.ToNonAD()
}

func (c *Client) jidFor(userID int64) types.JID {
	c.mu.RLock()
	jid, ok := c.jids[userID]
	c.mu.RUnlock()
	if ok {
		return jid
	}
	return types.NewJID(strconv.FormatInt(userID, 10), types.DefaultUserServer)
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// SendText sends a text message to the user. When ctx carries reply
// metadata for the same chat the message quotes it.
func (c *Client) SendText(ctx context.Context, userID int64, text string) error {
	to := c.jidFor(userID)
	reply := replyFromContext(ctx)
	var message *waProto.Message
	if reply != nil && reply.Message != nil && reply.Info.Chat.User == to.User {
		contextInfo := &waProto.ContextInfo{
			StanzaID:      proto.String(string(reply.Info.ID)),
			Participant:   proto.String(reply.Info.Sender.ToNonAD().String()),
			RemoteJID:     proto.String(reply.Info.Chat.String()),
			QuotedMessage: reply.Message,
			QuotedType:    waProto.ContextInfo_EXPLICIT.Enum(),
		}
		message = &waProto.Message{
			ExtendedTextMessage: &waProto.ExtendedTextMessage{
				Text:        proto.String(text),
				ContextInfo: contextInfo,
			},
		}
	} else {
		message = &waProto.Message{
			Conversation: proto.String(text),
		}
	}
	return c.deliver(ctx, to, message, "text")
}

// SendInvoice sends the invoice as a text message with the payment link
// and any provider instructions.
func (c *Client) SendInvoice(ctx context.Context, userID int64, inv *payment.Invoice) error {
	message := &waProto.Message{
		ExtendedTextMessage: &waProto.ExtendedTextMessage{
			Text: proto.String(formatInvoice(inv)),
		},
	}
	return c.deliver(ctx, c.jidFor(userID), message, "invoice")
}

func (c *Client) deliver(ctx context.Context, to types.JID, message *waProto.Message, kind string) error {
	if _, err := c.send.SendMessage(ctx, to, message); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	if c.metrics != nil {
		c.metrics.ChatOutgoing.WithLabelValues(kind).Inc()
	}
	return nil
}

func formatInvoice(inv *payment.Invoice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Invoice for %s\n", payment.FormatAmount(inv.Amount, inv.Currency))
	fmt.Fprintf(&b, "Reference: %s\n", inv.Ref)
	if inv.URL != "" {
		fmt.Fprintf(&b, "Pay here: %s\n", inv.URL)
	}
	if inv.Instructions != "" {
		b.WriteString(inv.Instructions)
		b.WriteByte('\n')
	}
	b.WriteString("Your balance is credited as soon as the payment is confirmed. Send /check to see the last payment.")
	return b.String()
}
