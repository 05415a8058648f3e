package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/attachment"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/testutil"
)

func TestProbe(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	srv.ClearMailbox(t, "INBOX")
	srv.CreateMailbox(t, "Archive")
	srv.AddMessage(t, "INBOX", testutil.TestMessage{
		Subject: "Older",
		Date:    time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	})
	srv.AddMessage(t, "INBOX", testutil.TestMessage{
		Subject: "Quarterly numbers",
		Date:    time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC),
		Attachments: []testutil.TestAttachment{
			{Filename: "report.txt", ContentType: "text/plain", Content: []byte("numbers")},
			{Filename: "setup.exe", ContentType: "application/octet-stream", Content: []byte("MZ")},
		},
	})

	dial := imap.NewDialer(srv.Address, false, 10*time.Second)
	policy := attachment.Policy{BlockedExtensions: []string{".exe"}}.WithDefaults()

	var out bytes.Buffer
	require.NoError(t, probe(context.Background(), dial, srv.Credentials(), policy, &out))

	report := out.String()
	assert.Contains(t, report, "Capabilities:")
	assert.Contains(t, report, "Archive")
	assert.Contains(t, report, "Newest INBOX messages (2):")
	assert.Contains(t, report, "report.txt")
	assert.Contains(t, report, "attachment blocked: file type .exe is not allowed")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("Quarterly numbers")), bytes.Index(out.Bytes(), []byte("Older")),
		"newest message should be listed first")
}

func TestProbeRejectedLogin(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	dial := imap.NewDialer(srv.Address, false, 10*time.Second)

	var out bytes.Buffer
	err := probe(context.Background(), dial, models.Credentials{Email: "username", Password: "wrong"}, attachment.DefaultPolicy(), &out)
	assert.ErrorIs(t, err, imap.ErrAuthFailed)
	assert.Empty(t, out.String())
}
