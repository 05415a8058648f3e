package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/attachment"
	"github.com/vdavid/mailgate/internal/cache"
	imapsvc "github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/websocket"
)

// ErrInvalidMessage is returned for requests rejected before anything is
// sent.
var ErrInvalidMessage = errors.New("invalid message")

const maxRecipients = 100

// OutgoingAttachment is a file attached to a message being sent. Data is
// base64 in JSON.
type OutgoingAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

type SendRequest struct {
	To          []string             `json:"to"`
	Cc          []string             `json:"cc,omitempty"`
	Bcc         []string             `json:"bcc,omitempty"`
	Subject     string               `json:"subject"`
	Text        string               `json:"text,omitempty"`
	HTML        string               `json:"html,omitempty"`
	InReplyTo   string               `json:"inReplyTo,omitempty"`
	Attachments []OutgoingAttachment `json:"attachments,omitempty"`
}

type SendResult struct {
	MessageID   string `json:"messageId"`
	SentFolder  string `json:"sentFolder,omitempty"`
	SavedToSent bool   `json:"savedToSent"`
}

type Config struct {
	// Address is the submission server, host:port.
	Address  string
	StartTLS bool
	// SentFolder is used when no mailbox carries the \Sent attribute.
	SentFolder string
	// DefaultDomain completes the sender address of accounts that log in
	// with a bare user name.
	DefaultDomain string
	Policy        attachment.Policy
}

// Dialer opens an SMTP client connection.
type Dialer func(addr string) (*gosmtp.Client, error)

// Sender submits messages over SMTP and files a copy in the sent folder.
type Sender struct {
	cfg      Config
	dial     Dialer
	pool     imapsvc.SessionPool
	cache    *cache.Service
	notifier websocket.Notifier
	now      func() time.Time
}

// NewSender creates a sender. cache and notifier may be nil.
func NewSender(cfg Config, pool imapsvc.SessionPool, c *cache.Service, notifier websocket.Notifier) *Sender {
	if cfg.SentFolder == "" {
		cfg.SentFolder = "Sent"
	}
	if cfg.DefaultDomain == "" {
		cfg.DefaultDomain = "localhost"
	}
	cfg.Policy = cfg.Policy.WithDefaults()
	return &Sender{
		cfg:      cfg,
		dial:     defaultDialer(cfg),
		pool:     pool,
		cache:    c,
		notifier: notifier,
		now:      time.Now,
	}
}

func defaultDialer(cfg Config) Dialer {
	if !cfg.StartTLS {
		return gosmtp.Dial
	}
	host, _, _ := net.SplitHostPort(cfg.Address)
	return func(addr string) (*gosmtp.Client, error) {
		return gosmtp.DialStartTLS(addr, &tls.Config{ServerName: host})
	}
}

// Send builds, submits and files one message.
func (s *Sender) Send(ctx context.Context, creds models.Credentials, req SendRequest) (*SendResult, error) {
	logger := log.WithField("account", logging.Account(creds.Email))

	recipients, err := validate(req)
	if err != nil {
		return nil, err
	}
	for _, a := range req.Attachments {
		info := models.AttachmentInfo{Filename: a.Filename, ContentType: a.ContentType, Size: int64(len(a.Data))}
		warnings, err := s.cfg.Policy.Check(info)
		if err != nil {
			return nil, err
		}
		for _, w := range warnings {
			logger.Warnf("SMTP: outgoing attachment %s: %s", a.Filename, w)
		}
	}

	from := s.senderAddress(creds)
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), from[strings.LastIndexByte(from, '@')+1:])
	raw, err := s.build(from, req, messageID)
	if err != nil {
		return nil, err
	}

	if err := s.submit(creds, from, recipients, raw); err != nil {
		return nil, err
	}
	logger.Infof("SMTP: sent message to %d recipients", len(recipients))

	result := &SendResult{MessageID: messageID}
	sent, err := s.fileCopy(ctx, creds, raw)
	if err != nil {
		logger.WithError(err).Warn("SMTP: message sent but not saved to the sent folder")
		return result, nil
	}
	if sent != "" {
		result.SentFolder = sent
		result.SavedToSent = true
		s.cache.Invalidate(ctx, creds.AccountID(), sent)
		if s.notifier != nil {
			s.notifier.Notify(creds.AccountID(), sent, websocket.MailboxUpdate(websocket.MailboxUpdatePayload{
				Mailbox: sent,
				Action:  websocket.ActionAppend,
			}))
		}
	}
	return result, nil
}

func (s *Sender) senderAddress(creds models.Credentials) string {
	if strings.Contains(creds.Email, "@") {
		return creds.Email
	}
	return creds.Email + "@" + s.cfg.DefaultDomain
}

func (s *Sender) build(from string, req SendRequest, messageID string) ([]byte, error) {
	subject := req.Subject
	if strings.TrimSpace(subject) == "" {
		subject = "(no subject)"
	}

	builder := enmime.Builder().
		From("", from).
		Subject(subject).
		Date(s.now()).
		Header("Message-ID", messageID)

	for _, addr := range mustParse(req.To) {
		builder = builder.To(addr.Name, addr.Address)
	}
	for _, addr := range mustParse(req.Cc) {
		builder = builder.CC(addr.Name, addr.Address)
	}
	for _, addr := range mustParse(req.Bcc) {
		builder = builder.BCC(addr.Name, addr.Address)
	}
	if req.InReplyTo != "" {
		builder = builder.Header("In-Reply-To", req.InReplyTo).Header("References", req.InReplyTo)
	}

	builder = builder.Text([]byte(req.Text))
	if req.HTML != "" {
		builder = builder.HTML([]byte(req.HTML))
	}
	for _, a := range req.Attachments {
		builder = builder.AddAttachment(a.Data, a.ContentType, attachment.SanitizeFilename(a.Filename))
	}

	root, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}
	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}

// submit sends the message. Rejected credentials are reported as
// imap.ErrAuthFailed so callers handle both protocols alike.
func (s *Sender) submit(creds models.Credentials, from string, recipients []string, raw []byte) error {
	c, err := s.dial(s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Auth(sasl.NewPlainClient("", creds.Email, creds.Password)); err != nil {
		return fmt.Errorf("%w: %v", imapsvc.ErrAuthFailed, err)
	}
	if err := c.SendMail(from, recipients, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return c.Quit()
}

// fileCopy appends the message to the sent folder and returns its name, or ""
// when the account has none.
func (s *Sender) fileCopy(ctx context.Context, creds models.Credentials, raw []byte) (string, error) {
	session, err := s.pool.Acquire(ctx, creds)
	if err != nil {
		return "", err
	}
	defer session.Release()
	c := session.Client()

	sent, ok, err := imapsvc.FindSpecialUse(c, imap.SentAttr, s.cfg.SentFolder)
	if err != nil || !ok {
		return "", err
	}
	if err := c.Append(sent, []string{imap.SeenFlag}, s.now(), bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("failed to append to %s: %w", sent, err)
	}
	return sent, nil
}

// validate checks the request and returns the envelope recipients.
func validate(req SendRequest) ([]string, error) {
	var recipients []string
	for _, list := range [][]string{req.To, req.Cc, req.Bcc} {
		for _, raw := range list {
			addr, err := mail.ParseAddress(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: bad address %q", ErrInvalidMessage, raw)
			}
			recipients = append(recipients, addr.Address)
		}
	}
	if len(req.To) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidMessage)
	}
	if len(recipients) > maxRecipients {
		return nil, fmt.Errorf("%w: more than %d recipients", ErrInvalidMessage, maxRecipients)
	}
	if req.Text == "" && req.HTML == "" && len(req.Attachments) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidMessage)
	}
	for _, a := range req.Attachments {
		if a.Filename == "" {
			return nil, fmt.Errorf("%w: attachment without a filename", ErrInvalidMessage)
		}
	}
	return recipients, nil
}

// mustParse parses addresses that validate already accepted.
func mustParse(list []string) []*mail.Address {
	addrs := make([]*mail.Address, 0, len(list))
	for _, raw := range list {
		if addr, err := mail.ParseAddress(raw); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// MailSender submits outgoing messages.
type MailSender interface {
	Send(ctx context.Context, creds models.Credentials, req SendRequest) (*SendResult, error)
}

var _ MailSender = (*Sender)(nil)
