package main

import (
	"context"

	"golang.org/x/sys/unix"
)

// outOfSpaceCallback builds the transfer.Config.OutOfSpace callback:
// on a short sink write it statfs(2)s dir and reports whether the
// filesystem has any blocks free for an unprivileged writer, per spec
// §4.5/§7's "consult the no-free-space callback" language.
func outOfSpaceCallback(dir string) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		var st unix.Statfs_t
		if err := unix.Statfs(dir, &st); err != nil {
			return false
		}
		return st.Bavail > 0
	}
}
