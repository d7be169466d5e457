package fanout

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/telemetry-hub/transformer"
)

var secret = []byte("test-secret")

func token(t *testing.T, claims jwt.Claims, key []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validToken(t *testing.T) string {
	return token(t, &Claims{
		UserID: "user-1",
		Email:  "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, secret)
}

func startHub(t *testing.T, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(secret, opts...)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, tok string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, action, room, requestID string) Ack {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"action": action, "room": room, "requestId": requestID}))
	var ack Ack
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	return ack
}

func TestParseToken(t *testing.T) {
	claims, err := ParseToken(validToken(t), secret)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)

	_, err = ParseToken(validToken(t), []byte("other"))
	assert.ErrorIs(t, err, ErrUnauthorized)

	noEmail := token(t, &Claims{UserID: "user-1"}, secret)
	_, err = ParseToken(noEmail, secret)
	assert.ErrorIs(t, err, ErrUnauthorized)

	expired := token(t, &Claims{UserID: "u", Email: "e", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}, secret)
	_, err = ParseToken(expired, secret)
	assert.ErrorIs(t, err, ErrUnauthorized)

	none := token(t, jwt.MapClaims{"userId": "u", "email": "e"}, secret)
	_, err = ParseToken(none, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = ParseToken("", secret)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, TokenFromRequest(r))
}

func TestConnectRequiresValidToken(t *testing.T) {
	_, srv := startHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	missing := token(t, &Claims{Email: "user@example.com"}, secret)
	_, resp, err = websocket.DefaultDialer.Dial(url+"?token="+missing, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Authorization": []string{"Bearer " + validToken(t)}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestJoinLeaveAcks(t *testing.T) {
	hub, srv := startHub(t)
	a := dial(t, srv, validToken(t))
	b := dial(t, srv, validToken(t))

	ack := send(t, a, ActionJoin, "AUID-1", "r-1")
	assert.Equal(t, Ack{Type: "ack", Action: ActionJoin, Room: "AUID-1", OK: true, Members: 1, RequestID: "r-1"}, ack)

	ack = send(t, b, ActionJoin, "AUID-1", "r-2")
	assert.True(t, ack.OK)
	assert.Equal(t, 2, ack.Members)
	assert.Equal(t, 2, hub.Members("AUID-1"))

	ack = send(t, a, ActionLeave, "AUID-1", "r-3")
	assert.True(t, ack.OK)
	assert.Equal(t, 1, ack.Members)

	ack = send(t, a, "subscribe", "AUID-1", "r-4")
	assert.False(t, ack.OK)
	assert.NotEmpty(t, ack.Error)
	assert.Equal(t, "r-4", ack.RequestID)

	ack = send(t, a, ActionJoin, " ", "r-5")
	assert.False(t, ack.OK)
}

func TestJoinAuthorizerRejects(t *testing.T) {
	_, srv := startHub(t, WithJoinAuthorizer(func(_ context.Context, claims *Claims, room string) error {
		if room == "AUID-secret" {
			return errors.New("forbidden")
		}
		return nil
	}))
	conn := dial(t, srv, validToken(t))

	ack := send(t, conn, ActionJoin, "AUID-secret", "r-1")
	assert.False(t, ack.OK)
	assert.Equal(t, "forbidden", ack.Error)
	assert.Equal(t, 0, ack.Members)
}

func TestPublishReachesRoomMembersOnly(t *testing.T) {
	hub, srv := startHub(t)
	member := dial(t, srv, validToken(t))
	other := dial(t, srv, validToken(t))

	send(t, member, ActionJoin, "AUID-1", "")
	send(t, other, ActionJoin, "AUID-2", "")

	rec, err := transformer.Normalize(transformer.FamilyClimate, transformer.Input{
		Body:          map[string]interface{}{"temp": 24.5},
		TransportTime: time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	rec.LogicalID = "AUID-1"
	require.NoError(t, hub.Publish(context.Background(), "AUID-1", rec))

	var event struct {
		Type    string                 `json:"type"`
		Room    string                 `json:"room"`
		Payload map[string]interface{} `json:"payload"`
	}
	require.NoError(t, member.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, member.ReadJSON(&event))
	assert.Equal(t, "telemetry", event.Type)
	assert.Equal(t, "AUID-1", event.Room)
	assert.Equal(t, 24.5, event.Payload["temperature"])

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = other.ReadMessage()
	assert.Error(t, err)

	require.NoError(t, hub.PublishAlert(context.Background(), "AUID-1", map[string]string{"rule": "r1"}))
	require.NoError(t, member.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, member.ReadJSON(&event))
	assert.Equal(t, "alert", event.Type)
}

func TestPublishToEmptyRoomSucceeds(t *testing.T) {
	hub := NewHub(secret)
	assert.NoError(t, hub.Publish(context.Background(), "AUID-404", transformer.Record{}))
	assert.Equal(t, 0, hub.Members("AUID-404"))
}

func TestDisconnectLeavesRooms(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, validToken(t))
	send(t, conn, ActionJoin, "AUID-1", "")
	require.Equal(t, 1, hub.Members("AUID-1"))

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Members("AUID-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := NewHub(secret, WithSendBuffer(1))
	c := &Client{hub: hub, send: make(chan []byte, 1), claims: &Claims{UserID: "slow"}, rooms: map[string]struct{}{}}
	hub.register(c)
	hub.join(c, "AUID-1")

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, "AUID-1", transformer.Record{}))
	require.NoError(t, hub.Publish(ctx, "AUID-1", transformer.Record{}))

	assert.Equal(t, 0, hub.Members("AUID-1"))
	<-c.send
	_, open := <-c.send
	assert.False(t, open)
}
