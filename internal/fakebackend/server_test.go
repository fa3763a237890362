package fakebackend_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatwidget/internal/backend"
	"github.com/omochice/chatwidget/internal/fakebackend"
	"github.com/omochice/chatwidget/internal/realtime"
	"github.com/omochice/chatwidget/internal/transport/ws"
	"github.com/omochice/chatwidget/pkg/protocol"
)

func startServer(t *testing.T, opts ...fakebackend.Option) (*fakebackend.Server, *httptest.Server) {
	t.Helper()
	fb := fakebackend.New(opts...)
	srv := httptest.NewServer(fb.Handler())
	t.Cleanup(func() {
		fb.Close()
		srv.Close()
	})
	return fb, srv
}

func dialCable(t *testing.T, srv *httptest.Server) realtime.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := ws.Dialer{}.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/cable")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn realtime.Conn) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.Read(ctx)
	require.NoError(t, err)
	frame, err := protocol.ParseFrame(data)
	require.NoError(t, err)
	return frame
}

func TestServer_BothSurfaces(t *testing.T) {
	for _, surface := range []backend.Surface{backend.SurfacePublic, backend.SurfaceProxy} {
		t.Run(string(surface), func(t *testing.T) {
			fb, srv := startServer(t)
			client := backend.New(backend.Config{
				BaseURL:         srv.URL,
				InboxIdentifier: "inbox",
				Surface:         surface,
				Timeout:         2 * time.Second,
			}, zerolog.Nop())
			ctx := context.Background()

			contact, err := client.CreateContact(ctx)
			require.NoError(t, err)
			token, ok := fb.Token(contact.ID)
			require.True(t, ok)
			assert.Equal(t, token, contact.SubscriptionToken)

			convID, err := client.CreateConversation(ctx, contact.ID)
			require.NoError(t, err)
			assert.Equal(t, "1", convID)

			require.NoError(t, client.CreateMessage(ctx, contact.ID, convID, "Hi"))
			assert.Equal(t, fakebackend.Stats{Contacts: 1, Conversations: 1, Messages: 1}, fb.Stats())
		})
	}
}

func TestServer_ProxyRequiresInboxHeader(t *testing.T) {
	_, srv := startServer(t)

	resp, err := http.Post(srv.URL+"/api/widget/contacts", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_UnknownConversation(t *testing.T) {
	_, srv := startServer(t)
	client := backend.New(backend.Config{BaseURL: srv.URL, InboxIdentifier: "inbox"}, zerolog.Nop())
	ctx := context.Background()

	contact, err := client.CreateContact(ctx)
	require.NoError(t, err)

	err = client.CreateMessage(ctx, contact.ID, "999", "Hi")
	var statusErr *backend.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestServer_FailMessages(t *testing.T) {
	fb, srv := startServer(t)
	client := backend.New(backend.Config{BaseURL: srv.URL, InboxIdentifier: "inbox"}, zerolog.Nop())
	ctx := context.Background()

	contact, err := client.CreateContact(ctx)
	require.NoError(t, err)
	convID, err := client.CreateConversation(ctx, contact.ID)
	require.NoError(t, err)

	fb.FailMessages(true)
	err = client.CreateMessage(ctx, contact.ID, convID, "Hi")
	var statusErr *backend.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
}

func TestCable_SubscribeAndReceiveReplies(t *testing.T) {
	fb, srv := startServer(t, fakebackend.WithReplier(func(string) []string { return []string{"Hello!"} }))
	client := backend.New(backend.Config{BaseURL: srv.URL, InboxIdentifier: "inbox"}, zerolog.Nop())
	ctx := context.Background()

	contact, err := client.CreateContact(ctx)
	require.NoError(t, err)

	conn := dialCable(t, srv)
	assert.Equal(t, protocol.ControlWelcome, readFrame(t, conn).Control)

	sub, err := protocol.EncodeSubscribe("RoomChannel", contact.SubscriptionToken)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, sub))
	assert.Equal(t, protocol.ControlConfirmSubscription, readFrame(t, conn).Control)
	require.Eventually(t, func() bool {
		return fb.Hub().SubscriberCount(contact.SubscriptionToken) == 1
	}, time.Second, 5*time.Millisecond)

	convID, err := client.CreateConversation(ctx, contact.ID)
	require.NoError(t, err)
	require.NoError(t, client.CreateMessage(ctx, contact.ID, convID, "Hi"))

	echo := readFrame(t, conn)
	assert.Equal(t, protocol.FrameKindApplication, echo.Kind)
	assert.Equal(t, protocol.ActorIncoming, echo.Event.Reply.ActorKind)
	assert.Equal(t, "Hi", echo.Event.Reply.Content)

	reply := readFrame(t, conn)
	assert.Equal(t, protocol.ActorBot, reply.Event.Reply.ActorKind)
	assert.Equal(t, "Hello!", reply.Event.Reply.Content)
}

func TestCable_RejectsUnknownToken(t *testing.T) {
	_, srv := startServer(t)
	conn := dialCable(t, srv)
	readFrame(t, conn) // welcome

	sub, err := protocol.EncodeSubscribe("RoomChannel", "no-such-token")
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), sub))
	assert.Equal(t, protocol.ControlRejectSubscription, readFrame(t, conn).Control)
}

func TestCable_Pings(t *testing.T) {
	_, srv := startServer(t, fakebackend.WithPingInterval(20*time.Millisecond))
	conn := dialCable(t, srv)
	readFrame(t, conn) // welcome
	assert.Equal(t, protocol.ControlPing, readFrame(t, conn).Control)
}
