package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/testutil"
	ws "github.com/vdavid/mailgate/internal/websocket"
)

func newTestWebSocketServer(t *testing.T, origins []string) string {
	t.Helper()
	hub := ws.NewHub(ws.DefaultHubConfig(), &fakeAuthenticator{}, testutil.NewTestTokenStore(t))
	handler := NewWebSocketHandler(hub, origins)

	server := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketHandler_Connection(t *testing.T) {
	url := newTestWebSocketServer(t, []string{"https://mail.example.com"})

	t.Run("allowed origin authenticates", func(t *testing.T) {
		header := http.Header{"Origin": []string{"https://mail.example.com"}}
		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		require.NoError(t, conn.WriteJSON(map[string]any{
			"type":    "auth",
			"payload": map[string]string{"email": testCreds.Email, "password": testCreds.Password},
		}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var msg struct {
			Type      string         `json:"type"`
			Payload   map[string]any `json:"payload"`
			Timestamp time.Time      `json:"timestamp"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "auth_success", msg.Type)
		assert.Equal(t, testCreds.Email, msg.Payload["email"])
		assert.NotEmpty(t, msg.Payload["token"])
		assert.False(t, msg.Timestamp.IsZero())
	})

	t.Run("foreign origin is rejected at the handshake", func(t *testing.T) {
		header := http.Header{"Origin": []string{"https://evil.example.net"}}
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("clients without an origin are accepted", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		_ = conn.Close()
	})
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:5173", "HTTPS://Mail.Example.com/"})
	request := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, check(request("")))
	assert.True(t, check(request("http://localhost:5173")))
	assert.True(t, check(request("https://mail.example.com")))
	assert.False(t, check(request("http://localhost:3000")))
	assert.False(t, check(request("https://mail.example.com.evil.net")))
	assert.False(t, check(request("null")))

	assert.True(t, originChecker([]string{"*"})(request("https://anything.example")))
	assert.False(t, originChecker(nil)(request("https://anything.example")))
}
