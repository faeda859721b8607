package models

import "time"

// Student represents a learner that can run and submit code.
type Student struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	StudentNumber string    `gorm:"column:student_number;size:50;uniqueIndex;not null" json:"student_number"`
	Email         string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	FirstName     string    `gorm:"size:100;not null" json:"first_name"`
	LastName      string    `gorm:"size:100;not null" json:"last_name"`
	Program       string    `gorm:"size:100" json:"program"`
	Year          int       `json:"year"`
	IsActive      bool      `gorm:"default:true" json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
