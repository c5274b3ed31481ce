package models

import (
	"errors"
	"time"
)

// ErrMissingNombre is returned when a pairing form lacks a display name.
var ErrMissingNombre = errors.New("nombre is required")

// PairingForm is the operator-submitted form staged between pairing
// initiation and confirmation. It never reaches the resource store
// directly; the reconciler turns it into a ParentSession.
type PairingForm struct {
	Nombre      string `json:"nombre"`
	Descripcion string `json:"descripcion"`
	EmbudoID    uint   `json:"embudo_id"`
	UserID      uint   `json:"user_id"`
}

// Validate checks the fields the reconciler cannot default.
func (f PairingForm) Validate() error {
	if f.Nombre == "" {
		return ErrMissingNombre
	}
	return nil
}

// PairingSession is the staged record held in the staging store under the
// pairing id until the pairing completes or expires.
type PairingSession struct {
	PairingID string      `json:"pairing_id"`
	FormData  PairingForm `json:"form_data"`
	CreatedAt time.Time   `json:"created_at"`
}

// AccountInfo is the account state reported by the provider callback.
// Nil fields mean "unchanged" (partial update semantics).
type AccountInfo struct {
	PhoneNumber  *string    `json:"accountIdentifier,omitempty"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
	AuthLocation *string    `json:"authLocation,omitempty"`
}

// DeviceLinkedPayload is the inbound provider callback body.
type DeviceLinkedPayload struct {
	PairingID string `json:"pairingId"`
	Status    string `json:"status"`
	AccountInfo
}
