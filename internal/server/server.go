package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/api"
	"github.com/vdavid/mailgate/internal/attachment"
	"github.com/vdavid/mailgate/internal/auth"
	"github.com/vdavid/mailgate/internal/cache"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/crypto"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/metrics"
	"github.com/vdavid/mailgate/internal/search"
	"github.com/vdavid/mailgate/internal/smtp"
	ws "github.com/vdavid/mailgate/internal/websocket"
)

const cacheProbeInterval = 30 * time.Second

// Server holds every long-lived service of the gateway.
type Server struct {
	cfg *config.Config

	pool        *imap.Pool
	cache       *cache.Service
	tokens      *auth.TokenStore
	hub         *ws.Hub
	watcher     *imap.Watcher
	mail        *imap.Service
	attachments *attachment.Pipeline
	search      *search.Engine
	sender      *smtp.Sender
	metrics     *metrics.Metrics
}

// New wires the services. Nothing connects to the mail server or the cache
// store until the first request.
func New(cfg *config.Config) (*Server, error) {
	enc, err := newEncryptor(cfg)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenStore(cfg.TokenSecret, cfg.TokenTTL, enc)
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	dial := imap.NewDialer(cfg.IMAPAddress(), cfg.IMAPUseTLS, cfg.IMAPCommandTimeout)
	pool := imap.NewPool(imap.PoolConfig{
		MaxSessions:      cfg.PoolMaxSessions,
		MaxIdle:          cfg.PoolMaxIdle,
		MaxLifetime:      cfg.PoolMaxLifetime,
		SweepInterval:    cfg.PoolSweepInterval,
		AcquireTimeout:   cfg.PoolAcquireTimeout,
		HealthCheckAfter: cfg.PoolHealthCheckAfter,
	}, dial)

	var store cache.Store
	if addr := cfg.RedisAddress(); addr != "" {
		store = cache.NewRedisStore(cache.RedisOptions{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	} else {
		log.Warn("Cache disabled: MAILGATE_REDIS_HOST is empty")
	}
	cacheSvc := cache.NewService(store, cache.TTLs{
		Mailboxes:   cfg.CacheMailboxTTL,
		Messages:    cfg.CacheMessageListTTL,
		Message:     cfg.CacheMessageTTL,
		Attachments: cfg.CacheAttachmentTTL,
		Search:      cfg.CacheSearchTTL,
	})

	hub := ws.NewHub(ws.HubConfig{
		AuthTimeout:   cfg.WSAuthTimeout,
		IdleTimeout:   cfg.WSIdleTimeout,
		PingInterval:  cfg.WSPingInterval,
		MaxPerAccount: cfg.WSMaxPerAccount,
	}, pool, tokens)
	watcher := imap.NewWatcher(dial, cacheSvc, hub)
	hub.SetWatcher(watcher)

	policy := attachment.Policy{
		MaxSize:           cfg.MaxAttachmentSize,
		AllowedTypes:      cfg.AllowedMIMETypes,
		BlockedExtensions: cfg.BlockedExtensions,
	}

	s := &Server{
		cfg:     cfg,
		pool:    pool,
		cache:   cacheSvc,
		tokens:  tokens,
		hub:     hub,
		watcher: watcher,
		mail:    imap.NewService(pool, cacheSvc, hub, imap.ServiceConfig{TrashFolder: cfg.TrashFolder}),
		attachments: attachment.NewPipeline(pool, cacheSvc, attachment.Config{
			Policy:    policy,
			ChunkSize: cfg.StreamChunkSize,
		}),
		search: search.NewEngine(pool, cacheSvc, search.Config{MaxMatches: cfg.SearchMaxMatches}),
		sender: smtp.NewSender(smtp.Config{
			Address:       cfg.SMTPAddress(),
			StartTLS:      cfg.SMTPStartTLS,
			SentFolder:    cfg.SentFolder,
			DefaultDomain: cfg.MailDomain,
			Policy:        policy,
		}, pool, cacheSvc, hub),
	}
	s.metrics = metrics.New(s.sources())
	return s, nil
}

func newEncryptor(cfg *config.Config) (*crypto.Encryptor, error) {
	if cfg.EncryptionKeyBase64 == "" {
		log.Warn("MAILGATE_ENCRYPTION_KEY_BASE64 is not set, using a random key")
		return crypto.NewEphemeralEncryptor()
	}
	enc, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	return enc, nil
}

func (s *Server) sources() metrics.Sources {
	return metrics.Sources{
		Pool:        s.pool.Stats,
		Cache:       s.cache.Stats,
		Hub:         s.hub.Stats,
		Search:      s.search.Stats,
		Attachments: s.attachments.Stats,
	}
}

// Start runs the background loops until ctx is done.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.cache.Run(ctx, cacheProbeInterval)

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if s.cache.Stats().Enabled && !s.cache.Probe(probeCtx) {
		log.Warn("Cache store unreachable at start-up, serving without cache")
	}
}

// Close stops everything in dependency order: clients first, then the
// listeners they started, then the sessions.
func (s *Server) Close() {
	s.hub.Close()
	s.watcher.Close()
	s.pool.Close()
	if err := s.cache.Close(); err != nil {
		log.Printf("Failed to close cache: %v", err)
	}
}

// Handler returns the HTTP handler for the gateway API.
func (s *Server) Handler() http.Handler {
	attachmentsHandler := api.NewAttachmentsHandler(s.attachments, s.pool.Stats)
	searchHandler := api.NewSearchHandler(s.search)
	mailboxHandler := api.NewMailboxHandler(s.mail)
	// Attachments travel base64-encoded inside the JSON body.
	sendHandler := api.NewSendHandler(s.sender, s.cfg.MaxAttachmentSize*2)
	authHandler := api.NewAuthHandler(s.pool, s.tokens, s.mail)
	statsHandler := api.NewStatsHandler(s.sources())
	wsHandler := api.NewWebSocketHandler(s.hub, s.cfg.WSAllowedOrigins)

	withBearer := auth.WithBearer(s.tokens)
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.metrics.Instrument(pattern, withBearer(h)))
	}

	mux.HandleFunc("GET /{$}", handleRoot)

	route("POST /api/attachments/list", attachmentsHandler.List)
	route("POST /api/attachments/download", attachmentsHandler.Download)
	route("POST /api/attachments/stream", attachmentsHandler.Stream)
	route("GET /api/attachments/stats", attachmentsHandler.Stats)

	route("POST /api/search", searchHandler.Search)
	route("POST /api/search/quick", searchHandler.Quick)
	route("POST /api/search/all", searchHandler.All)

	route("POST /api/mailboxes", mailboxHandler.Mailboxes)
	route("POST /api/messages", mailboxHandler.Messages)
	route("POST /api/messages/get", mailboxHandler.Message)
	route("POST /api/messages/read", mailboxHandler.MarkRead)
	route("POST /api/messages/flag", mailboxHandler.MarkFlagged)
	route("POST /api/messages/move", mailboxHandler.Move)
	route("POST /api/messages/delete", mailboxHandler.Delete)

	route("POST /api/send", sendHandler.Send)

	route("POST /api/login", authHandler.Login)
	route("POST /api/logout", authHandler.Logout)
	route("GET /api/auth/status", authHandler.Status)

	route("GET /api/stats", statsHandler.Stats)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// The socket authenticates with its first message, not with headers.
	mux.HandleFunc("GET /ws", wsHandler.Handle)
	mux.HandleFunc("GET /api/ws", wsHandler.Handle)

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "mailgate API is running")
}
