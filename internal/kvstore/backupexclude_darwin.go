//go:build darwin

package kvstore

import "golang.org/x/sys/unix"

// markExcludedFromBackup approximates backup exclusion with the BSD
// "no dump" flag. The com.apple.metadata:com_apple_backup_excludeItem
// extended attribute is not settable without CoreServices; Time Machine
// honors UF_NODUMP the same way.
func markExcludedFromBackup(path string) {
	_ = unix.Chflags(path, unix.UF_NODUMP)
}
