package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vdavid/mailgate/internal/models"
)

// MailService is a mock of imap.MailService.
type MailService struct {
	mock.Mock
}

func NewMailService(t TestingT) *MailService {
	m := &MailService{}
	register(&m.Mock, t)
	return m
}

func (m *MailService) ListMailboxes(ctx context.Context, creds models.Credentials) ([]models.MailboxSummary, error) {
	args := m.Called(ctx, creds)
	mailboxes, _ := args.Get(0).([]models.MailboxSummary)
	return mailboxes, args.Error(1)
}

func (m *MailService) ListMessages(ctx context.Context, creds models.Credentials, mailbox string, page, limit int) (*models.MessagePage, error) {
	args := m.Called(ctx, creds, mailbox, page, limit)
	result, _ := args.Get(0).(*models.MessagePage)
	return result, args.Error(1)
}

func (m *MailService) GetMessage(ctx context.Context, creds models.Credentials, mailbox string, uid uint32) (*models.Message, error) {
	args := m.Called(ctx, creds, mailbox, uid)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *MailService) MarkRead(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32, read bool) error {
	return m.Called(ctx, creds, mailbox, uids, read).Error(0)
}

func (m *MailService) MarkFlagged(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32, flagged bool) error {
	return m.Called(ctx, creds, mailbox, uids, flagged).Error(0)
}

func (m *MailService) Move(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32, target string) error {
	return m.Called(ctx, creds, mailbox, uids, target).Error(0)
}

func (m *MailService) Delete(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32) error {
	return m.Called(ctx, creds, mailbox, uids).Error(0)
}

func (m *MailService) Logout(ctx context.Context, creds models.Credentials) {
	m.Called(ctx, creds)
}
