package api

import (
	"github.com/stretchr/testify/mock"
)

type MockDataStore struct {
	mock.Mock
}

func (m *MockDataStore) GetValue(appID, installID, key string) ([]byte, bool, error) {
	args := m.Called(appID, installID, key)
	var value []byte
	if v := args.Get(0); v != nil {
		value = v.([]byte)
	}
	return value, args.Bool(1), args.Error(2)
}

func (m *MockDataStore) SetValue(appID, installID, key string, value []byte) error {
	args := m.Called(appID, installID, key, value)
	return args.Error(0)
}

func (m *MockDataStore) DeleteValue(appID, installID, key string) error {
	args := m.Called(appID, installID, key)
	return args.Error(0)
}
