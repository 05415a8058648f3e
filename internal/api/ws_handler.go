package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	ws "github.com/vdavid/mailgate/internal/websocket"
)

// WebSocketHandler upgrades /ws requests and hands the connection to the hub.
// Authentication happens inside the socket with an auth message, since
// browsers cannot set headers on WebSocket connections.
type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocketHandler instance. Browser
// handshakes are accepted only from allowedOrigins; "*" allows any origin.
func NewWebSocketHandler(hub *ws.Hub, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// Handle upgrades the connection and serves it until it closes.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		log.Printf("WebSocketHandler: upgrade from %q failed: %v", r.Header.Get("Origin"), err)
		return
	}
	h.hub.Serve(conn)
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and browser requests whose origin is on the list.
func originChecker(allowed []string) func(r *http.Request) bool {
	origins := make(map[string]struct{}, len(allowed))
	allowAll := false
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
			continue
		}
		origins[normalizeOrigin(o)] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		_, ok := origins[normalizeOrigin(origin)]
		return ok
	}
}

func normalizeOrigin(origin string) string {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(origin)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
