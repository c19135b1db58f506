package sync

import "fmt"

// PartialSyncError reports a pagination sequence that aborted after
// PagesPersisted pages were saved. The stored tag was not advanced.
type PartialSyncError struct {
	ChatID         string
	PagesPersisted int
	Err            error
}

func (e *PartialSyncError) Error() string {
	return fmt.Sprintf("sync %s: aborted after %d pages: %v", e.ChatID, e.PagesPersisted, e.Err)
}

func (e *PartialSyncError) Unwrap() error {
	return e.Err
}
