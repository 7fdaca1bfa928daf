package campaign

import (
	"errors"
	"fmt"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
)

var (
	// ErrEmptyContacts rejects a create with no recipients.
	ErrEmptyContacts = errors.New("contact list is empty")
	// ErrRecoveryBusy means a recovery pass is already running.
	ErrRecoveryBusy = errors.New("recovery already in progress")
)

// TransitionError reports an operation attempted from a state that does not
// permit it.
type TransitionError struct {
	CampaignID string
	From       domain.CampaignStatus
	Op         string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("campaign %s: cannot %s from %s", e.CampaignID, e.Op, e.From)
}

// InvalidPhoneError reports a contact whose phone is not digits-only.
type InvalidPhoneError struct {
	Index int
	Phone string
}

func (e *InvalidPhoneError) Error() string {
	return fmt.Sprintf("contact %d: phone %q must be digits only", e.Index, e.Phone)
}
