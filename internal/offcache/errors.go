package offcache

import (
	"context"
	"errors"

	platformerrors "github.com/jmgilman/go/errors"
)

// ErrNotFound is returned by Store.Get when the key has no entry.
var ErrNotFound = platformerrors.New(platformerrors.CodeNotFound, "cache entry not found")

// ErrInvalidTransition is returned by the lifecycle when an operation is not
// allowed from the current state.
var ErrInvalidTransition = platformerrors.New(platformerrors.CodeConflict, "invalid lifecycle transition")

func storeError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return platformerrors.Wrap(err, platformerrors.CodeDatabase, msg)
}

func networkError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return platformerrors.Wrap(err, platformerrors.CodeTimeout, msg)
	}
	return platformerrors.Wrap(err, platformerrors.CodeNetwork, msg)
}

func configError(msg string, args ...any) error {
	return platformerrors.Newf(platformerrors.CodeInvalidConfig, msg, args...)
}

// ErrStoreDropped is returned when writing through a handle to a store that
// has since been deleted.
var ErrStoreDropped = platformerrors.New(platformerrors.CodeConflict, "store was deleted")

// ErrEntryTooLarge is returned by Put for bodies over the configured cap.
var ErrEntryTooLarge = platformerrors.New(platformerrors.CodeInvalidInput, "entry exceeds size cap")

// ErrLockTimeout is returned when a lifecycle lock could not be taken in time.
var ErrLockTimeout = platformerrors.New(platformerrors.CodeTimeout, "timed out waiting for lock")
