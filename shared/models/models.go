package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BaseModel contains common fields for all persisted models
type BaseModel struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Claims represents JWT token claims. Tokens are issued by the dashboard or
// gateway sitting in front of this service; the mailer only validates them.
type Claims struct {
	UserID uint   `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}
