package models

import (
	"time"
)

// ParentSession lifecycle states (kept in Spanish to match the CRM screens)
const (
	EstadoActivo       = "activo"
	EstadoDesconectado = "desconectado"
)

// ParentSession is the CRM-visible session an operator configured. It
// references exactly one ChannelSession and is created only once that
// ChannelSession has reached connected for the first time.
type ParentSession struct {
	ID               uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Nombre           string    `json:"nombre" gorm:"size:100;not null"`
	Descripcion      string    `json:"descripcion" gorm:"size:255"`
	EmbudoID         uint      `json:"embudo_id"`
	UserID           uint      `json:"user_id"`
	Estado           string    `json:"estado" gorm:"type:varchar(20);default:'activo';check:estado IN ('activo','desconectado')"`
	ChannelSessionID uint      `json:"channel_session_id" gorm:"uniqueIndex;not null"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// Relationship
	ChannelSession ChannelSession `json:"channel_session" gorm:"foreignKey:ChannelSessionID"`
}

// TableName specifies the table name for ParentSession
func (ParentSession) TableName() string {
	return "sesiones"
}
