package models

import "time"

const (
	KeyStatusActive   = "active"
	KeyStatusDisabled = "disabled"
	KeyStatusUnknown  = "unknown"
)

// MirrorSchemaVersion is the schema generation written by the current code.
// Rows below this version are treated as legacy and never coerced in place.
const MirrorSchemaVersion = 2

// ApiKeyMirror mirrors one issued license key as known from the Node. Rows in
// this table are derived state; the Node remains authoritative.
type ApiKeyMirror struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	SubscriptionID     string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_api_key_mirrors_subscription" json:"subscription_id"`
	UserID             *uint      `gorm:"index" json:"user_id,omitempty"`
	CustomerEmail      string     `gorm:"type:varchar(191);default:''" json:"customer_email"`
	CustomerName       string     `gorm:"type:varchar(191);default:''" json:"customer_name"`
	PlanSlug           string     `gorm:"type:varchar(100);not null;default:'';index" json:"plan_slug"`
	Status             string     `gorm:"type:varchar(32);not null;default:'unknown';index" json:"status"`
	SubscriptionStatus string     `gorm:"type:varchar(32);default:''" json:"subscription_status"`
	KeyPrefix          string     `gorm:"type:varchar(20);default:''" json:"key_prefix"`
	KeyLast4           string     `gorm:"type:varchar(4);default:''" json:"key_last4"`
	ValidFrom          *time.Time `gorm:"type:timestamp;default:null" json:"valid_from,omitempty"`
	ValidUntil         *time.Time `gorm:"type:timestamp;default:null" json:"valid_until,omitempty"`
	NodePlanID         string     `gorm:"type:varchar(64);default:''" json:"node_plan_id"`
	NodeKeyID          string     `gorm:"type:varchar(64);default:'';index" json:"node_key_id"`
	LastAction         string     `gorm:"type:varchar(64);default:''" json:"last_action"`
	LastHTTPCode       int        `gorm:"default:0" json:"last_http_code"`
	LastError          string     `gorm:"type:text" json:"last_error"`
	SchemaVersion      int        `gorm:"not null;default:2" json:"schema_version"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActive reports whether the mirrored key is currently usable.
func (k *ApiKeyMirror) IsActive() bool {
	return k != nil && k.Status == KeyStatusActive
}
