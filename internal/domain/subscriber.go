package domain

import (
	"fmt"
	"strings"
)

// Recipient is one member of a campaign's target audience, as returned by
// the audience collaborator. ID ordering is stable and drives cursor paging.
type Recipient struct {
	ID        string         `json:"id" db:"id"`
	Email     string         `json:"email" db:"email"`
	FirstName string         `json:"first_name" db:"first_name"`
	LastName  string         `json:"last_name" db:"last_name"`
	Fields    map[string]any `json:"custom_fields" db:"custom_fields"`
}

// NormalizedEmail returns the lowercased, trimmed address used for lookups.
func (r Recipient) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(r.Email))
}

// Field resolves a personalization field. Built-in columns take precedence
// over custom fields.
func (r Recipient) Field(name string) (string, bool) {
	switch strings.ToLower(name) {
	case "email":
		return r.Email, r.Email != ""
	case "first_name", "firstname":
		return r.FirstName, r.FirstName != ""
	case "last_name", "lastname":
		return r.LastName, r.LastName != ""
	}
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return "", false
	}
	s := fmt.Sprintf("%v", v)
	return s, s != ""
}
