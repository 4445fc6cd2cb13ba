// ABOUTME: Error taxonomy for conversation operations
// ABOUTME: Callers classify failures with errors.Is; transports map each sentinel to a status

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/storechat/internal/store"
)

var (
	// ErrValidation covers malformed requests: unknown sender type, missing ids, oversized content.
	ErrValidation = errors.New("validation failed")

	// ErrEmptyContent is returned when message content is blank after trimming.
	ErrEmptyContent = fmt.Errorf("%w: message content is empty", ErrValidation)

	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")

	// ErrConversationNotActive is returned when sending to a closed or archived conversation.
	ErrConversationNotActive = errors.New("conversation is not active")

	// ErrInvalidTransition is returned for status changes that skip or reverse the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict means a concurrent writer won. The operation did not happen and may be retried.
	ErrConflict = errors.New("concurrent modification, retry")
)

// mapStoreError converts store sentinels into service errors, wrapping anything
// else as a persistence failure.
func mapStoreError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
