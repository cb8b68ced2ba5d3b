//go:build !unix

package session

import "context"

// Without flock the in-process keyed mutex is the only guard.
func lockDir(context.Context, string) (func(), error) {
	return func() {}, nil
}
