package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	imapclient "github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/server"
	"github.com/vdavid/mailgate/internal/testutil"
)

// The gateway runs against in-memory IMAP and SMTP servers. Redis is an
// in-process miniredis unless MAILGATE_TEST_REDIS=container, which starts a
// real Redis with testcontainers.
func main() {
	ctx := context.Background()

	if err := setupTestEnvironment(); err != nil {
		log.Fatalf("Failed to setup test environment: %v", err)
	}

	stopRedis, err := startRedis(ctx)
	if err != nil {
		log.Fatalf("Failed to start Redis: %v", err)
	}
	defer stopRedis()

	imapServer, smtpServer, err := startMailServers()
	if err != nil {
		log.Fatalf("Failed to start mail servers: %v", err)
	}
	defer imapServer.Close()
	defer smtpServer.Close()

	if err := seedTestData(imapServer); err != nil {
		log.Fatalf("Failed to seed test data: %v", err)
	}

	if err := startHTTPServer(imapServer); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// setupTestEnvironment sets the variables the gateway needs before any
// address is known.
func setupTestEnvironment() error {
	vars := map[string]string{
		"MAILGATE_ENV":                   "test",
		"MAILGATE_TEST_MODE":             "true",
		"MAILGATE_ENCRYPTION_KEY_BASE64": "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM=",
		"MAILGATE_TOKEN_SECRET":          "test-token-secret",
		"MAILGATE_MAIL_DOMAIN":           "example.com",
		"MAILGATE_LOG_LEVEL":             "debug",
	}
	for key, value := range vars {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

func setAddress(hostKey, portKey, address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid address %s: %w", address, err)
	}
	if err := os.Setenv(hostKey, host); err != nil {
		return err
	}
	return os.Setenv(portKey, port)
}

// startRedis starts the cache store and returns a function that stops it.
func startRedis(ctx context.Context) (func(), error) {
	if os.Getenv("MAILGATE_TEST_REDIS") == "container" {
		log.Println("Starting Redis container...")
		container, err := testutil.StartRedisContainer(ctx)
		if err != nil {
			return nil, err
		}
		log.Printf("Redis container started on %s", container.Address)
		stop := func() {
			if err := container.Terminate(ctx); err != nil {
				log.Printf("Failed to terminate Redis container: %v", err)
			}
		}
		if err := setAddress("MAILGATE_REDIS_HOST", "MAILGATE_REDIS_PORT", container.Address); err != nil {
			stop()
			return nil, err
		}
		return stop, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start miniredis: %w", err)
	}
	log.Printf("In-process Redis started on %s", mr.Addr())
	if err := setAddress("MAILGATE_REDIS_HOST", "MAILGATE_REDIS_PORT", mr.Addr()); err != nil {
		mr.Close()
		return nil, err
	}
	return mr.Close, nil
}

// startMailServers starts test IMAP and SMTP servers and points the gateway
// at them.
func startMailServers() (*testutil.TestIMAPServer, *testutil.TestSMTPServer, error) {
	log.Println("Starting test IMAP server...")
	imapServer, err := testutil.StartIMAPServer("127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start test IMAP server: %w", err)
	}
	log.Printf("Test IMAP server started on %s", imapServer.Address)

	log.Println("Starting test SMTP server...")
	smtpServer, err := testutil.StartSMTPServer("127.0.0.1:0")
	if err != nil {
		imapServer.Close()
		return nil, nil, fmt.Errorf("failed to start test SMTP server: %w", err)
	}
	log.Printf("Test SMTP server started on %s", smtpServer.Address)

	if err := setAddress("MAILGATE_IMAP_HOST", "MAILGATE_IMAP_PORT", imapServer.Address); err != nil {
		return nil, nil, err
	}
	if err := setAddress("MAILGATE_SMTP_HOST", "MAILGATE_SMTP_PORT", smtpServer.Address); err != nil {
		return nil, nil, err
	}

	return imapServer, smtpServer, nil
}

// startHTTPServer runs the gateway until SIGINT or SIGTERM.
func startHTTPServer(imapServer *testutil.TestIMAPServer) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	gateway, err := server.New(cfg)
	if err != nil {
		return err
	}
	defer gateway.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	gateway.Start(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("mailgate test server starting on %s", httpServer.Addr)
	log.Printf("Test IMAP account: username %q, password %q", imapServer.Username(), imapServer.Password())
	log.Println("Server ready for E2E tests. Press Ctrl+C to stop.")

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

// seedTestData creates the special folders and a few messages, one of them
// with attachments for the download and stream endpoints.
func seedTestData(imapServer *testutil.TestIMAPServer) error {
	client, err := imapclient.Dial(imapServer.Address)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer func() {
		_ = client.Logout()
	}()
	if err := client.Login(imapServer.Username(), imapServer.Password()); err != nil {
		return fmt.Errorf("failed to log in to IMAP server: %w", err)
	}

	for _, folder := range []string{"Sent", "Drafts", "Trash", "Spam", "Archive"} {
		if err := client.Create(folder); err != nil && !strings.Contains(err.Error(), "already exists") {
			log.Printf("Warning: Failed to create folder %s: %v", folder, err)
		}
	}

	now := time.Now()
	messages := []testutil.TestMessage{
		{
			MessageID: "<msg1@test>",
			Subject:   "Welcome to mailgate",
			From:      "sender@example.com",
			To:        "username@example.com",
			Body:      "This is a test message.",
			Date:      now.Add(-2 * time.Hour),
		},
		{
			MessageID: "<msg2@test>",
			Subject:   "Meeting Tomorrow",
			From:      "colleague@example.com",
			To:        "username@example.com",
			Body:      "Don't forget about the meeting tomorrow at 2 PM.",
			Date:      now.Add(-1 * time.Hour),
			Flags:     []string{},
		},
		{
			MessageID: "<msg3@test>",
			Subject:   "Special Report Q3",
			From:      "reports@example.com",
			To:        "username@example.com",
			Body:      "Here is the Q3 report you requested.",
			Date:      now,
			Attachments: []testutil.TestAttachment{
				{Filename: "report-q3.txt", ContentType: "text/plain", Content: []byte("Revenue: up.\nCosts: down.\n")},
				{Filename: "chart.png", ContentType: "image/png", Content: []byte("\x89PNG\r\n\x1a\nnot really a chart")},
			},
		},
	}

	for _, msg := range messages {
		if _, err := imapServer.AppendMessage("INBOX", msg); err != nil {
			return fmt.Errorf("failed to add message %s: %w", msg.MessageID, err)
		}
	}
	log.Printf("Seeded %d messages into INBOX", len(messages))

	return nil
}
