//go:build !darwin

package kvstore

// markExcludedFromBackup is a no-op outside Darwin: Linux and Windows have
// no equivalent single-file "exclude from backup" primitive that every
// backup tool honors, so callers on those platforms rely on the queue and
// KV directories not being placed under a path their backup policy covers.
func markExcludedFromBackup(_ string) {}
