package backup

import "errors"

var (
	// ErrInvalidSnapshot means the file is not a readable twopass vault.
	ErrInvalidSnapshot = errors.New("backup: not a valid vault snapshot")

	// ErrVaultLocked means another process holds the vault lock.
	ErrVaultLocked = errors.New("backup: vault is locked by another process")

	// ErrSnapshotNotFound means the named snapshot does not exist.
	ErrSnapshotNotFound = errors.New("backup: snapshot not found")

	// ErrInvalidKeep means a retention count below one was requested.
	ErrInvalidKeep = errors.New("backup: keep must be at least 1")
)
