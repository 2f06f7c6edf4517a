package utils

import (
	"github.com/google/uuid"
)

// GenerateID returns a new UUID string used as a primary key everywhere.
func GenerateID() string {
	return uuid.New().String()
}
