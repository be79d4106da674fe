package wa

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"bot-topup/internal/convo"
	"bot-topup/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

type sentMessage struct {
	to      types.JID
	message *waProto.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, to types.JID, message *waProto.Message, _ ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to: to, message: message})
	return whatsmeow.SendResponse{}, f.err
}

type chanHandler chan convo.Event

func (c chanHandler) Handle(_ context.Context, ev convo.Event) { c <- ev }

func newTestClient() (*Client, *fakeSender) {
	send := &fakeSender{}
	return newClient(send, slog.New(slog.NewTextHandler(io.Discard, nil)), nil), send
}

func textMessage(user, text string) *events.Message {
	jid := types.NewJID(user, types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: jid, Sender: jid},
			ID:            "msg-1",
			PushName:      "Ann",
		},
		Message: &waProto.Message{Conversation: proto.String(text)},
	}
}

func TestUserIDFromJID(t *testing.T) {
	id, err := userIDFromJID(types.NewJID("6281234", types.DefaultUserServer))
	require.NoError(t, err)
	assert.Equal(t, int64(6281234), id)

	_, err = userIDFromJID(types.NewJID("abc", types.DefaultUserServer))
	assert.Error(t, err)
	_, err = userIDFromJID(types.JID{})
	assert.Error(t, err)
}

func TestExtractText(t *testing.T) {
	text, ok := extractText(&waProto.Message{Conversation: proto.String("/topup")})
	assert.True(t, ok)
	assert.Equal(t, "/topup", text)

	text, ok = extractText(&waProto.Message{ExtendedTextMessage: &waProto.ExtendedTextMessage{Text: proto.String("100")}})
	assert.True(t, ok)
	assert.Equal(t, "100", text)

	_, ok = extractText(&waProto.Message{ImageMessage: &waProto.ImageMessage{}})
	assert.False(t, ok)
}

func TestHandleMessageDispatchesParsedEvent(t *testing.T) {
	c, _ := newTestClient()
	got := make(chanHandler, 1)
	c.SetEventHandler(got)

	c.handleMessage(textMessage("42", "/topup"))

	select {
	case ev := <-got:
		assert.Equal(t, convo.TopUpRequested{Envelope: convo.Envelope{UserID: 42, Name: "Ann"}}, ev)
	case <-time.After(time.Second):
		t.Fatal("event not dispatched")
	}
}

func TestHandleMessageIgnoresOwnAndGroupMessages(t *testing.T) {
	c, _ := newTestClient()
	got := make(chanHandler, 2)
	c.SetEventHandler(got)

	own := textMessage("42", "hi")
	own.Info.IsFromMe = true
	c.handleMessage(own)

	group := textMessage("42", "hi")
	group.Info.IsGroup = true
	c.handleMessage(group)

	select {
	case ev := <-got:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendTextUsesRememberedJID(t *testing.T) {
	c, send := newTestClient()
	lid := types.NewJID("42", types.HiddenUserServer)
	c.remember(42, lid)

	require.NoError(t, c.SendText(context.Background(), 42, "hello"))
	require.NoError(t, c.SendText(context.Background(), 7, "hi"))

	require.Len(t, send.sent, 2)
	assert.Equal(t, lid, send.sent[0].to)
	assert.Equal(t, "hello", send.sent[0].message.GetConversation())
	assert.Equal(t, types.NewJID("7", types.DefaultUserServer), send.sent[1].to)
}

func TestSendTextQuotesReply(t *testing.T) {
	c, send := newTestClient()
	evt := textMessage("42", "100")
	ctx := WithReply(context.Background(), evt)

	require.NoError(t, c.SendText(ctx, 42, "thanks"))
	require.Len(t, send.sent, 1)
	ext := send.sent[0].message.GetExtendedTextMessage()
	require.NotNil(t, ext)
	assert.Equal(t, "thanks", ext.GetText())
	assert.Equal(t, "msg-1", ext.GetContextInfo().GetStanzaID())

	// A reply context for another chat is not quoted.
	require.NoError(t, c.SendText(ctx, 7, "other"))
	assert.Equal(t, "other", send.sent[1].message.GetConversation())
}

func TestSendInvoice(t *testing.T) {
	c, send := newTestClient()
	err := c.SendInvoice(context.Background(), 42, &payment.Invoice{
		Ref:          "inv-1",
		Amount:       500,
		Currency:     "RUB",
		URL:          "https://pay.example/inv-1",
		Instructions: "QR: 000201",
	})
	require.NoError(t, err)
	require.Len(t, send.sent, 1)
	text := send.sent[0].message.GetExtendedTextMessage().GetText()
	assert.Contains(t, text, "Invoice for 5.00 RUB")
	assert.Contains(t, text, "Pay here: https://pay.example/inv-1")
	assert.Contains(t, text, "QR: 000201")
}

func TestSendErrorWrapped(t *testing.T) {
	c, send := newTestClient()
	send.err = errors.New("not connected")
	err := c.SendText(context.Background(), 1, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send text")
}
