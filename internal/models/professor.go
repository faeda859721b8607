package models

import "time"

// Professor owns activities.
type Professor struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EmployeeID string    `gorm:"size:50;uniqueIndex;not null" json:"employee_id"`
	Email      string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	FirstName  string    `gorm:"size:100;not null" json:"first_name"`
	LastName   string    `gorm:"size:100;not null" json:"last_name"`
	Department string    `gorm:"size:100" json:"department"`
	IsActive   bool      `gorm:"default:true" json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
