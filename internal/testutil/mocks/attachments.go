package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vdavid/mailgate/internal/attachment"
	"github.com/vdavid/mailgate/internal/models"
)

// Attachments is a mock of attachment.Service.
type Attachments struct {
	mock.Mock
}

func NewAttachments(t TestingT) *Attachments {
	m := &Attachments{}
	register(&m.Mock, t)
	return m
}

func (m *Attachments) ListAttachments(ctx context.Context, creds models.Credentials, mailbox string, uid uint32) ([]models.AttachmentInfo, error) {
	args := m.Called(ctx, creds, mailbox, uid)
	list, _ := args.Get(0).([]models.AttachmentInfo)
	return list, args.Error(1)
}

func (m *Attachments) Download(ctx context.Context, creds models.Credentials, mailbox string, uid uint32, partID string) (*attachment.Download, error) {
	args := m.Called(ctx, creds, mailbox, uid, partID)
	dl, _ := args.Get(0).(*attachment.Download)
	return dl, args.Error(1)
}

func (m *Attachments) DownloadStream(ctx context.Context, creds models.Credentials, mailbox string, uid uint32, partID string) (*attachment.Stream, error) {
	args := m.Called(ctx, creds, mailbox, uid, partID)
	stream, _ := args.Get(0).(*attachment.Stream)
	return stream, args.Error(1)
}

func (m *Attachments) Stats() attachment.Stats {
	args := m.Called()
	stats, _ := args.Get(0).(attachment.Stats)
	return stats
}
