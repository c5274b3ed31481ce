package models

import (
	"time"
)

// ChannelSession connection statuses
const (
	ChannelStatusPending      = "pending"
	ChannelStatusConnected    = "connected"
	ChannelStatusDisconnected = "disconnected"
	ChannelStatusExpired      = "expired"
)

// ChannelSession represents one linked external messaging account.
// PairingID is assigned by the device-linking provider and is unique and
// immutable once set.
type ChannelSession struct {
	ID               uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	PairingID        string    `json:"pairing_id" gorm:"uniqueIndex;size:100;not null"`
	Status           string    `json:"status" gorm:"type:varchar(20);default:'pending';check:status IN ('pending','connected','disconnected','expired')"`
	PhoneNumber      string    `json:"phone_number" gorm:"size:50"`
	LastSeen         time.Time `json:"last_seen"`
	AuthLocation     string    `json:"auth_location" gorm:"size:255"`
	ReconcilePending bool      `json:"reconcile_pending" gorm:"default:false"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for ChannelSession
func (ChannelSession) TableName() string {
	return "channel_sessions"
}
