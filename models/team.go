package models

import "gorm.io/gorm"

// Team is the tenant that owns sequences, contacts and senders
type Team struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
}
