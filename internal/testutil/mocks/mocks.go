// Package mocks holds testify mocks of the service interfaces used by the
// HTTP handlers.
package mocks

import (
	"github.com/stretchr/testify/mock"
)

// TestingT is what the constructors need to register expectation checks.
type TestingT interface {
	mock.TestingT
	Cleanup(func())
}

func register(m *mock.Mock, t TestingT) {
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
}
