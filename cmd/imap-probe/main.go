package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/attachment"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/models"
)

const newestMessages = 5

// Capabilities the gateway uses when the server offers them.
var wantedCapabilities = []string{"IDLE", "SORT", "MOVE", "UIDPLUS", "SPECIAL-USE"}

// imap-probe logs in to the configured IMAP server the way the gateway does
// and prints what the gateway would see: capabilities, mailboxes and the
// newest INBOX messages with their attachments checked against the policy.
func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	creds := models.Credentials{
		Email:    os.Getenv("MAILGATE_PROBE_EMAIL"),
		Password: os.Getenv("MAILGATE_PROBE_PASSWORD"),
	}
	if creds.Email == "" || creds.Password == "" {
		log.Fatal("Error: MAILGATE_PROBE_EMAIL and MAILGATE_PROBE_PASSWORD environment variables are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	policy := attachment.Policy{
		MaxSize:           cfg.MaxAttachmentSize,
		AllowedTypes:      cfg.AllowedMIMETypes,
		BlockedExtensions: cfg.BlockedExtensions,
	}.WithDefaults()

	log.Printf("Probing %s as %s", cfg.IMAPAddress(), creds.Email)
	dial := imap.NewDialer(cfg.IMAPAddress(), cfg.IMAPUseTLS, cfg.IMAPCommandTimeout)
	if err := probe(ctx, dial, creds, policy, os.Stdout); err != nil {
		log.Fatalf("Probe failed: %v", err)
	}
}

func probe(ctx context.Context, dial imap.Dialer, creds models.Credentials, policy attachment.Policy, out io.Writer) error {
	c, err := dial(ctx, creds)
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	defer func() {
		if err := c.Logout(); err != nil {
			log.Printf("Failed to log out: %v", err)
		}
	}()

	if err := reportCapabilities(c, out); err != nil {
		return err
	}
	if err := reportMailboxes(c, out); err != nil {
		return err
	}
	return reportNewest(c, policy, out)
}

func reportCapabilities(c *client.Client, out io.Writer) error {
	caps, err := c.Capability()
	if err != nil {
		return fmt.Errorf("failed to get capabilities: %w", err)
	}

	_, _ = fmt.Fprintln(out, "Capabilities:")
	for _, name := range wantedCapabilities {
		state := "missing"
		if caps[name] {
			state = "yes"
		}
		_, _ = fmt.Fprintf(out, "  %-12s %s\n", name, state)
	}
	return nil
}

func reportMailboxes(c *client.Client, out io.Writer) error {
	summaries, err := imap.ListMailboxSummaries(c)
	if err != nil {
		return fmt.Errorf("failed to list mailboxes: %w", err)
	}

	_, _ = fmt.Fprintf(out, "\nMailboxes (%d):\n", len(summaries))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "  NAME\tROLE\tMESSAGES\tUNSEEN")
	for _, m := range summaries {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\n", m.Name, m.SpecialUse, m.Messages, m.Unseen)
	}
	return tw.Flush()
}

// reportNewest lists the newest INBOX messages in the order the gateway
// returns them.
func reportNewest(c *client.Client, policy attachment.Policy, out io.Writer) error {
	if _, err := c.Select("INBOX", true); err != nil {
		return fmt.Errorf("failed to select INBOX: %w", err)
	}

	uids, err := imap.SearchNewestFirst(c, nil)
	if err != nil {
		return err
	}
	if len(uids) > newestMessages {
		uids = uids[:newestMessages]
	}

	messages, err := imap.FetchMessageHeaders(c, uids)
	if err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	byUID := make(map[uint32]models.MessageHeader, len(messages))
	parts := make(map[uint32][]models.AttachmentInfo, len(messages))
	for _, msg := range messages {
		byUID[msg.Uid] = imap.ParseHeader(msg, "INBOX")
		parts[msg.Uid] = attachment.FindAttachments(msg.BodyStructure)
	}

	_, _ = fmt.Fprintf(out, "\nNewest INBOX messages (%d):\n", len(uids))
	for _, uid := range uids {
		h, ok := byUID[uid]
		if !ok {
			continue
		}
		_, _ = fmt.Fprintf(out, "  [%d] %s  %s  %q\n", uid, h.Date.Format(time.RFC3339), h.From, h.Subject)
		for _, part := range parts[uid] {
			verdict := "ok"
			if _, err := policy.Check(part); err != nil {
				verdict = err.Error()
			}
			_, _ = fmt.Fprintf(out, "      part %s  %s  %s  %d bytes  %s\n", part.PartID, part.Filename, part.ContentType, part.Size, verdict)
		}
	}
	return nil
}
