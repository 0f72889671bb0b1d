package mocks

import "github.com/stretchr/testify/mock"

// MockSystemInfo is a mock implementation of the sysinfo.SystemInfoInterface
type MockSystemInfo struct {
	mock.Mock
}

func (m *MockSystemInfo) GetBootID() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *MockSystemInfo) GetOSVersion() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}
