package statestore

// Store is the persisted key-value state shared by the reconciliation jobs
// (lease locks, stability streaks, last-run status). Missing keys read as an
// empty string, not an error, so callers can treat absence and "never set"
// the same way.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}
