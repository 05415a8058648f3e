package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/smtp"
)

// MailSender is a mock of smtp.MailSender.
type MailSender struct {
	mock.Mock
}

func NewMailSender(t TestingT) *MailSender {
	m := &MailSender{}
	register(&m.Mock, t)
	return m
}

func (m *MailSender) Send(ctx context.Context, creds models.Credentials, req smtp.SendRequest) (*smtp.SendResult, error) {
	args := m.Called(ctx, creds, req)
	result, _ := args.Get(0).(*smtp.SendResult)
	return result, args.Error(1)
}
