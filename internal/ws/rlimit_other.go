//go:build !linux

package ws

// RaiseFileLimit is a no-op outside Linux; the platform default applies.
func RaiseFileLimit(want uint64) (uint64, error) {
	return 0, nil
}
