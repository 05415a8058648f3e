package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/testutil"
)

func getTestConfig(t *testing.T, imapAddr string) *config.Config {
	t.Helper()

	imapHost, imapPort, err := net.SplitHostPort(imapAddr)
	require.NoError(t, err)
	mr := miniredis.RunT(t)

	cfg := &config.Config{
		Environment: "test",
		Port:        "8080",
		LogLevel:    "info",
		LogFormat:   "text",

		IMAPHost:   imapHost,
		IMAPPort:   imapPort,
		SMTPHost:   "127.0.0.1",
		SMTPPort:   "2525",
		MailDomain: "example.com",

		TrashFolder: "Trash",
		SentFolder:  "Sent",

		RedisHost: mr.Host(),
		RedisPort: mr.Port(),

		PoolMaxSessions:      5,
		PoolMaxIdle:          time.Minute,
		PoolMaxLifetime:      10 * time.Minute,
		PoolSweepInterval:    time.Minute,
		PoolAcquireTimeout:   2 * time.Second,
		PoolHealthCheckAfter: time.Minute,
		IMAPCommandTimeout:   10 * time.Second,

		CacheMailboxTTL:     time.Minute,
		CacheMessageListTTL: time.Minute,
		CacheMessageTTL:     time.Minute,
		CacheSearchTTL:      time.Minute,
		CacheAttachmentTTL:  time.Minute,

		SearchMaxMatches:  200,
		MaxAttachmentSize: 1 << 20,
		StreamChunkSize:   4096,
		BlockedExtensions: []string{".exe"},
		WSAllowedOrigins:  []string{"http://localhost:5173"},
		WSAuthTimeout:     5 * time.Second,
		WSIdleTimeout:     time.Minute,
		WSPingInterval:    30 * time.Second,
		WSMaxPerAccount:   2,
		TokenTTL:          time.Hour,
		TokenSecret:       "test-token-secret",
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestServer(t *testing.T) (http.Handler, *testutil.TestIMAPServer) {
	t.Helper()

	srv := testutil.NewTestIMAPServer(t)
	s, err := New(getTestConfig(t, srv.Address))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s.Handler(), srv
}

func serve(t *testing.T, h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandleRoot(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handleRoot(w, req)

	res := w.Result()
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			t.Fatalf("failed to close response body: %v", err)
		}
	}(res.Body)

	if res.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", res.StatusCode)
	}

	contentType := res.Header.Get("Content-Type")
	if contentType != "text/plain" {
		t.Errorf("expected Content-Type 'text/plain', got '%s'", contentType)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}

	expected := "mailgate API is running"
	if string(body) != expected {
		t.Errorf("expected body '%s', got '%s'", expected, string(body))
	}
}

func TestHandler(t *testing.T) {
	server, srv := newTestServer(t)
	creds := `{"email":"` + srv.Username() + `","password":"` + srv.Password() + `"}`

	t.Run("root", func(t *testing.T) {
		rr := serve(t, server, http.MethodGet, "/", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "mailgate API is running", rr.Body.String())
	})

	t.Run("unknown path", func(t *testing.T) {
		rr := serve(t, server, http.MethodGet, "/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rr := serve(t, server, http.MethodGet, "/api/mailboxes", "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("mailboxes with body credentials", func(t *testing.T) {
		rr := serve(t, server, http.MethodPost, "/api/mailboxes", creds, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp struct {
			Success   bool `json:"success"`
			Mailboxes []struct {
				Name string `json:"name"`
			} `json:"mailboxes"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		require.NotEmpty(t, resp.Mailboxes)
		assert.Equal(t, "INBOX", resp.Mailboxes[0].Name)
	})

	t.Run("wrong password", func(t *testing.T) {
		rr := serve(t, server, http.MethodPost, "/api/mailboxes", `{"email":"username","password":"wrong"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("login then bearer", func(t *testing.T) {
		rr := serve(t, server, http.MethodPost, "/api/login", creds, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var login struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))
		require.NotEmpty(t, login.Token)

		bearer := http.Header{"Authorization": {"Bearer " + login.Token}}
		rr = serve(t, server, http.MethodGet, "/api/auth/status", "", bearer)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"isAuthenticated":true`)

		rr = serve(t, server, http.MethodPost, "/api/search/quick", `{"term":"message"}`, bearer)
		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("invalid bearer token", func(t *testing.T) {
		rr := serve(t, server, http.MethodGet, "/api/auth/status", "", http.Header{"Authorization": {"Bearer nope"}})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("stats", func(t *testing.T) {
		rr := serve(t, server, http.MethodGet, "/api/stats", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"pool"`)
	})

	t.Run("metrics", func(t *testing.T) {
		rr := serve(t, server, http.MethodGet, "/metrics", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "mailgate_http_request_duration_seconds")
		assert.Contains(t, rr.Body.String(), "mailgate_pool_")
	})

	t.Run("websocket from foreign origin", func(t *testing.T) {
		header := http.Header{
			"Origin":                {"http://evil.example"},
			"Connection":            {"Upgrade"},
			"Upgrade":               {"websocket"},
			"Sec-Websocket-Version": {"13"},
			"Sec-Websocket-Key":     {"dGhlIHNhbXBsZSBub25jZQ=="},
		}
		rr := serve(t, server, http.MethodGet, "/ws", "", header)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestNewWithoutCache(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	cfg := getTestConfig(t, srv.Address)
	cfg.RedisHost = ""

	s, err := New(cfg)
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.cache.Stats().Enabled)
	assert.NotNil(t, s.Handler())
}

func TestNewEncryptor(t *testing.T) {
	t.Run("random key when unset", func(t *testing.T) {
		enc, err := newEncryptor(&config.Config{})
		require.NoError(t, err)
		assert.NotNil(t, enc)
	})

	t.Run("invalid key", func(t *testing.T) {
		_, err := newEncryptor(&config.Config{EncryptionKeyBase64: "not base64!"})
		assert.Error(t, err)
	})
}
