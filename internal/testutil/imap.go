package testutil

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/vdavid/mailgate/internal/models"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	username string
	password string
}

// NewTestIMAPServer starts an IMAP server with an in-memory backend and stops
// it when the test ends.
// The memory backend creates a default user with username "username" and
// password "password", and an INBOX holding one message.
func NewTestIMAPServer(t testing.TB) *TestIMAPServer {
	t.Helper()

	srv, err := StartIMAPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

// StartIMAPServer starts an in-memory IMAP server outside of tests, for the
// development server.
func StartIMAPServer(addr string) (*TestIMAPServer, error) {
	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}, nil
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	_ = s.Server.Close()
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Credentials returns the default user's credentials.
func (s *TestIMAPServer) Credentials() models.Credentials {
	return models.Credentials{Email: s.username, Password: s.password}
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t testing.TB) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// CreateMailbox creates a mailbox for the default user.
func (s *TestIMAPServer) CreateMailbox(t testing.TB, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create mailbox %s: %v", name, err)
	}
}

// ClearMailbox removes every message from a mailbox, including the message
// the memory backend seeds INBOX with.
func (s *TestIMAPServer) ClearMailbox(t testing.TB, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	status, err := client.Select(name, false)
	if err != nil {
		t.Fatalf("Failed to select mailbox %s: %v", name, err)
	}
	if status.Messages == 0 {
		return
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, status.Messages)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := client.Store(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag messages: %v", err)
	}
	if err := client.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge: %v", err)
	}
}

// TestAttachment is a file attached to a TestMessage.
type TestAttachment struct {
	Filename    string
	ContentType string
	Content     []byte
	Inline      bool
}

// TestMessage describes a message to append. Zero fields get defaults.
type TestMessage struct {
	MessageID   string
	Subject     string
	From        string
	To          string
	Date        time.Time
	Body        string
	Flags       []string
	Attachments []TestAttachment
}

// AddMessage appends a message to the mailbox and returns its UID.
func (s *TestIMAPServer) AddMessage(t testing.TB, mailbox string, msg TestMessage) uint32 {
	t.Helper()

	uid, err := s.AppendMessage(mailbox, msg)
	if err != nil {
		t.Fatalf("Failed to add message: %v", err)
	}
	return uid
}

// AppendMessage appends a message to the mailbox and returns its UID.
func (s *TestIMAPServer) AppendMessage(mailbox string, msg TestMessage) (uint32, error) {
	if msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("<%d@test.local>", time.Now().UnixNano())
	}
	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}
	if msg.From == "" {
		msg.From = "sender@example.com"
	}
	if msg.To == "" {
		msg.To = "username@example.com"
	}
	if msg.Body == "" {
		msg.Body = "Test message body."
	}
	if msg.Flags == nil {
		msg.Flags = []string{imap.SeenFlag}
	}

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return 0, fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = client.Logout() }()
	if err := client.Login(s.username, s.password); err != nil {
		return 0, fmt.Errorf("failed to login: %w", err)
	}

	raw := BuildRawMessage(msg)
	if err := client.Append(mailbox, msg.Flags, msg.Date, bytes.NewBufferString(raw)); err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := client.Select(mailbox, true); err != nil {
		return 0, fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", msg.MessageID)
	uids, err := client.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search for message: %w", err)
	}
	if len(uids) == 0 {
		return 0, fmt.Errorf("message not found after append")
	}

	return uids[len(uids)-1], nil
}

// BuildRawMessage renders msg as RFC 5322 text. With attachments it is a
// multipart/mixed message whose first part is the text body, so attachments
// get part IDs "2", "3", and so on.
func BuildRawMessage(msg TestMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\r\n", msg.MessageID)
	fmt.Fprintf(&b, "Date: %s\r\n", msg.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")

	if len(msg.Attachments) == 0 {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(msg.Body)
		b.WriteString("\r\n")
		return b.String()
	}

	const boundary = "mailgate-test-boundary"
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", boundary, msg.Body)

	for _, a := range msg.Attachments {
		disposition := "attachment"
		if a.Inline {
			disposition = "inline"
		}
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		fmt.Fprintf(&b, "Content-Type: %s; name=%q\r\n", a.ContentType, a.Filename)
		fmt.Fprintf(&b, "Content-Disposition: %s; filename=%q\r\n", disposition, a.Filename)
		b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		b.WriteString(wrap76(base64.StdEncoding.EncodeToString(a.Content)))
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.String()
}

func wrap76(s string) string {
	var b strings.Builder
	for len(s) > 76 {
		b.WriteString(s[:76])
		b.WriteString("\r\n")
		s = s[76:]
	}
	b.WriteString(s)
	b.WriteString("\r\n")
	return b.String()
}
