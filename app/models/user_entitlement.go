package models

import "time"

const (
	EntitlementSourceNodePoll          = "node_poll"
	EntitlementSourceHooks             = "hooks"
	EntitlementSourceSubscriptionEvent = "subscription_event"
)

// UserEntitlement mirrors a local user's current entitlement as last reported
// by the Node. One row per user; the subscription binding makes up the
// identity pair used for staleness comparisons.
type UserEntitlement struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	UserID             uint       `gorm:"not null;uniqueIndex:ux_user_entitlements_user" json:"user_id"`
	SubscriptionID     string     `gorm:"type:varchar(191);not null;default:'';index" json:"subscription_id"`
	PlanSlug           string     `gorm:"type:varchar(100);not null;default:'';index" json:"plan_slug"`
	Status             string     `gorm:"type:varchar(32);not null;default:'unknown';index" json:"status"`
	SubscriptionStatus string     `gorm:"type:varchar(32);default:''" json:"subscription_status"`
	CustomerEmail      string     `gorm:"type:varchar(191);default:''" json:"customer_email"`
	CustomerName       string     `gorm:"type:varchar(191);default:''" json:"customer_name"`
	OrderID            string     `gorm:"type:varchar(64);default:''" json:"order_id"`
	ProductID          string     `gorm:"type:varchar(64);default:''" json:"product_id"`
	ValidFrom          *time.Time `gorm:"type:timestamp;default:null" json:"valid_from,omitempty"`
	ValidUntil         *time.Time `gorm:"type:timestamp;default:null" json:"valid_until,omitempty"`
	NodePlanID         string     `gorm:"type:varchar(64);default:''" json:"node_plan_id"`
	NodeKeyID          string     `gorm:"type:varchar(64);default:''" json:"node_key_id"`
	Source             string     `gorm:"type:varchar(32);not null;default:'node_poll';index" json:"source"`
	SchemaVersion      int        `gorm:"not null;default:2" json:"schema_version"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
