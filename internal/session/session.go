// Package session mirrors live session and user presence state into Redis so
// that operators and other processes can see who is connected and when a
// user was last seen. The in-process registry in package live stays the
// source of truth; mirror failures are logged and never block a connection.
package session
