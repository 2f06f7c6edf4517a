package models

import (
	"time"
)

// User owns tasks, telemetry streams and suggestions. Authentication and
// session handling live outside this engine.
type User struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Email     string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Name      string    `gorm:"type:varchar(255)" json:"name"`
	Timezone  string    `gorm:"type:varchar(100)" json:"tz"`
	CreatedAt time.Time `json:"createdAt"`
}

func (u *User) GetDisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}
