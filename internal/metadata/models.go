package metadata

import (
	"time"

	"gorm.io/datatypes"
)

// Controller is one reachable WLAN controller the Brain may provision
// against. TokenRef names the secret holding its API credential; the Brain
// never stores tokens itself.
type Controller struct {
	ID        string         `gorm:"primaryKey;type:text" json:"id"`
	Name      string         `gorm:"not null" json:"name"`
	Family    string         `gorm:"not null;index" json:"family"`
	Region    string         `json:"region,omitempty"`
	BaseURL   string         `gorm:"not null" json:"base_url"`
	TenantID  string         `gorm:"index" json:"tenant_id,omitempty"`
	TokenRef  string         `json:"token_ref,omitempty"`
	Extras    datatypes.JSON `json:"extras,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Tenant struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
