//go:build linux

package ws

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RaiseFileLimit lifts the soft RLIMIT_NOFILE towards want, capped at the hard
// limit, so the server can hold one descriptor per connection. It returns
// the limit in effect afterwards.
func RaiseFileLimit(want uint64) (uint64, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("ws: getrlimit: %w", err)
	}
	target := want
	if target > rl.Max {
		target = rl.Max
	}
	if rl.Cur >= target {
		return rl.Cur, nil
	}
	rl.Cur = target
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("ws: setrlimit: %w", err)
	}
	return rl.Cur, nil
}
