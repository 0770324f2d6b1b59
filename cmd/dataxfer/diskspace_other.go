//go:build !linux

package main

import "context"

// outOfSpaceCallback has no portable statfs(2) equivalent wired on
// non-Linux platforms, so it declines to wait; the transfer aborts
// immediately on a short write rather than spinning forever.
func outOfSpaceCallback(dir string) func(ctx context.Context) bool {
	return func(ctx context.Context) bool { return false }
}
