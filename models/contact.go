package models

import (
	"strings"

	"gorm.io/gorm"
)

// Contact represents a person that can be enrolled in sequences
type Contact struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Title     string `json:"title"`
	Timezone  string `json:"timezone"`

	CustomFields map[string]string `gorm:"type:jsonb;serializer:json" json:"custom_fields,omitempty"`
}

func (c *Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// TemplateFields returns the values available to message tokens. Custom
// fields never override the built-in ones.
func (c *Contact) TemplateFields() map[string]string {
	fields := make(map[string]string, len(c.CustomFields)+6)
	for k, v := range c.CustomFields {
		fields[k] = v
	}
	fields["first_name"] = c.FirstName
	fields["last_name"] = c.LastName
	fields["full_name"] = c.FullName()
	fields["email"] = c.Email
	fields["company"] = c.Company
	fields["title"] = c.Title
	return fields
}
