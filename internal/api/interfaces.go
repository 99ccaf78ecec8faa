package api

// DataStore backs the per-install key/value operations. *store.Store
// satisfies it.
type DataStore interface {
	GetValue(appID, installID, key string) ([]byte, bool, error)
	SetValue(appID, installID, key string, value []byte) error
	DeleteValue(appID, installID, key string) error
}
