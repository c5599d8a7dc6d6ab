package nodepoll

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/membergate/nodesync/app/models"
)

// UpsertStatus classifies the outcome of a mirror upsert.
type UpsertStatus string

const (
	UpsertInserted UpsertStatus = "inserted"
	UpsertUpdated  UpsertStatus = "updated"
	UpsertLegacy   UpsertStatus = "legacy"
	UpsertConflict UpsertStatus = "conflict"
)

// UpsertResult carries the outcome plus, for conflicts, the identity pair the
// existing local row is bound to. Conflicting rows are never modified.
type UpsertResult struct {
	Status UpsertStatus

	// LocalUserID / LocalSubscriptionID describe the existing row's binding
	// when Status is UpsertConflict.
	LocalUserID         *uint
	LocalSubscriptionID string
}

// RowIdentity is the minimal projection used for staleness comparisons.
type RowIdentity struct {
	ID             uint
	UserID         *uint
	SubscriptionID string
}

// PairValid reports whether the row carries a complete identity pair. Rows
// with an incomplete pair never participate in deletion decisions.
func (r RowIdentity) PairValid() bool {
	return r.UserID != nil && *r.UserID > 0 && r.SubscriptionID != ""
}

// Pair returns the identity pair key; only meaningful when PairValid.
func (r RowIdentity) Pair() string {
	if r.UserID == nil {
		return ""
	}
	return PairKey(*r.UserID, r.SubscriptionID)
}

// deleteBatchSize bounds a single bulk-delete call per table.
const deleteBatchSize = 500

// Repository provides the mirror-table operations used by the engine.
type Repository interface {
	UpsertKeyMirror(rec *models.ApiKeyMirror) (UpsertResult, error)
	UpsertUserEntitlement(rec *models.UserEntitlement) (UpsertResult, error)
	ListKeyIdentities() ([]RowIdentity, error)
	ListUserIdentities() ([]RowIdentity, error)
	DeleteKeysByIDs(ids []uint) (int64, error)
	DeleteUsersByIDs(ids []uint) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a mirror repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// UpsertKeyMirror upserts by subscription id. An existing row bound to a
// different user is reported as a conflict and left untouched; rows from an
// older schema generation are reported as legacy and left untouched.
func (r *gormRepository) UpsertKeyMirror(rec *models.ApiKeyMirror) (UpsertResult, error) {
	var existing models.ApiKeyMirror
	err := r.db.Where("subscription_id = ?", rec.SubscriptionID).First(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return UpsertResult{}, err
		}
		rec.SchemaVersion = models.MirrorSchemaVersion
		if err := r.db.Create(rec).Error; err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{Status: UpsertInserted}, nil
	}

	if existing.SchemaVersion < models.MirrorSchemaVersion {
		return UpsertResult{Status: UpsertLegacy}, nil
	}

	if existing.UserID != nil && rec.UserID != nil && *existing.UserID != *rec.UserID {
		return UpsertResult{
			Status:              UpsertConflict,
			LocalUserID:         existing.UserID,
			LocalSubscriptionID: existing.SubscriptionID,
		}, nil
	}

	updates := map[string]interface{}{
		"customer_email":      rec.CustomerEmail,
		"customer_name":       rec.CustomerName,
		"plan_slug":           rec.PlanSlug,
		"status":              rec.Status,
		"subscription_status": rec.SubscriptionStatus,
		"valid_from":          rec.ValidFrom,
		"valid_until":         rec.ValidUntil,
		"node_plan_id":        rec.NodePlanID,
		"node_key_id":         rec.NodeKeyID,
		"last_action":         rec.LastAction,
		"last_http_code":      rec.LastHTTPCode,
		"last_error":          rec.LastError,
	}
	// Never blank out an established owner with an incomplete remote record.
	if rec.UserID != nil {
		updates["user_id"] = rec.UserID
	}
	if rec.KeyPrefix != "" || rec.KeyLast4 != "" {
		updates["key_prefix"] = rec.KeyPrefix
		updates["key_last4"] = rec.KeyLast4
	}

	if err := r.db.Model(&models.ApiKeyMirror{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return UpsertResult{}, err
	}
	rec.ID = existing.ID
	return UpsertResult{Status: UpsertUpdated}, nil
}

// UpsertUserEntitlement upserts by user id. An existing row bound to a
// different subscription is reported as a conflict and left untouched.
func (r *gormRepository) UpsertUserEntitlement(rec *models.UserEntitlement) (UpsertResult, error) {
	var existing models.UserEntitlement
	err := r.db.Where("user_id = ?", rec.UserID).First(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return UpsertResult{}, err
		}
		rec.SchemaVersion = models.MirrorSchemaVersion
		if err := r.db.Create(rec).Error; err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{Status: UpsertInserted}, nil
	}

	if existing.SchemaVersion < models.MirrorSchemaVersion {
		return UpsertResult{Status: UpsertLegacy}, nil
	}

	if existing.SubscriptionID != "" && rec.SubscriptionID != "" && existing.SubscriptionID != rec.SubscriptionID {
		uid := existing.UserID
		return UpsertResult{
			Status:              UpsertConflict,
			LocalUserID:         &uid,
			LocalSubscriptionID: existing.SubscriptionID,
		}, nil
	}

	updates := map[string]interface{}{
		"plan_slug":           rec.PlanSlug,
		"status":              rec.Status,
		"subscription_status": rec.SubscriptionStatus,
		"customer_email":      rec.CustomerEmail,
		"customer_name":       rec.CustomerName,
		"order_id":            rec.OrderID,
		"product_id":          rec.ProductID,
		"valid_from":          rec.ValidFrom,
		"valid_until":         rec.ValidUntil,
		"node_plan_id":        rec.NodePlanID,
		"node_key_id":         rec.NodeKeyID,
		"source":              rec.Source,
	}
	if rec.SubscriptionID != "" {
		updates["subscription_id"] = rec.SubscriptionID
	}

	if err := r.db.Model(&models.UserEntitlement{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return UpsertResult{}, err
	}
	rec.ID = existing.ID
	return UpsertResult{Status: UpsertUpdated}, nil
}

func (r *gormRepository) ListKeyIdentities() ([]RowIdentity, error) {
	var rows []RowIdentity
	err := r.db.Model(&models.ApiKeyMirror{}).
		Select("id", "user_id", "subscription_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list key identities failed: %w", err)
	}
	return rows, nil
}

func (r *gormRepository) ListUserIdentities() ([]RowIdentity, error) {
	var rows []RowIdentity
	err := r.db.Model(&models.UserEntitlement{}).
		Select("id", "user_id", "subscription_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list user identities failed: %w", err)
	}
	return rows, nil
}

func (r *gormRepository) DeleteKeysByIDs(ids []uint) (int64, error) {
	return r.deleteInBatches(&models.ApiKeyMirror{}, ids)
}

func (r *gormRepository) DeleteUsersByIDs(ids []uint) (int64, error) {
	return r.deleteInBatches(&models.UserEntitlement{}, ids)
}

func (r *gormRepository) deleteInBatches(model interface{}, ids []uint) (int64, error) {
	var deleted int64
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		tx := r.db.Where("id IN ?", ids[start:end]).Delete(model)
		if tx.Error != nil {
			return deleted, tx.Error
		}
		deleted += tx.RowsAffected
	}
	return deleted, nil
}
