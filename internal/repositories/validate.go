package repositories

import (
	"fmt"
	"strings"

	"dm-service/internal/errs"
)

// ValidateNewMessage enforces the append preconditions shared by every store backend.
func ValidateNewMessage(senderID, receiverID, body string) error {
	switch {
	case senderID == "":
		return fmt.Errorf("%w: senderId is required", errs.ErrValidation)
	case receiverID == "":
		return fmt.Errorf("%w: receiverId is required", errs.ErrValidation)
	case strings.TrimSpace(body) == "":
		return fmt.Errorf("%w: message is required", errs.ErrValidation)
	case senderID == receiverID:
		return fmt.Errorf("%w: cannot message yourself", errs.ErrValidation)
	}
	return nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", errs.ErrStoreUnavailable, op, err)
}
