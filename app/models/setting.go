package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Setting represents a system setting
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:setting_key;size:255;not null;uniqueIndex" json:"key" validate:"required,min=1,max=255"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:50;not null" json:"type" validate:"required"` // string, boolean, integer
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppSettings represents the application settings structure
type AppSettings struct {
	SiteTitle               string `json:"site_title" validate:"required,min=1,max=255"`
	NodePollEnabled         bool   `json:"node_poll_enabled"`
	NodePollDeleteMissing   bool   `json:"node_poll_delete_missing"`
	NodePollPerPage         int    `json:"node_poll_per_page" validate:"min=1,max=500"`
	NodePollIntervalMinutes int    `json:"node_poll_interval_minutes" validate:"min=1"`
	NodePollLeaseMinutes    int    `json:"node_poll_lease_minutes" validate:"min=1"`
	DailyResyncEnabled      bool   `json:"daily_resync_enabled"`
	FreePlanSlug            string `json:"free_plan_slug" validate:"required"`
	AlertEmail              string `json:"alert_email" validate:"omitempty,email"`
	AlertFailureThreshold   int    `json:"alert_failure_threshold" validate:"min=1"`
	AlertCooldownMinutes    int    `json:"alert_cooldown_minutes" validate:"min=1"`
	mu                      sync.RWMutex
}

// Global settings instance
var (
	appSettings *AppSettings
	settingsMu  sync.RWMutex
)

// GetAppSettings returns the current application settings
func GetAppSettings() *AppSettings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return appSettings
}

func defaultAppSettings() *AppSettings {
	return &AppSettings{
		SiteTitle:               "NodeSync",
		NodePollEnabled:         true,
		NodePollDeleteMissing:   false,
		NodePollPerPage:         100,
		NodePollIntervalMinutes: 15,
		NodePollLeaseMinutes:    10,
		DailyResyncEnabled:      true,
		FreePlanSlug:            "free",
		AlertFailureThreshold:   3,
		AlertCooldownMinutes:    360,
	}
}

// LoadSettings loads settings from database into memory
func LoadSettings(db *gorm.DB) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	appSettings = defaultAppSettings()

	var settings []Setting
	if err := db.Find(&settings).Error; err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	for _, setting := range settings {
		switch setting.Key {
		case "site_title":
			appSettings.SiteTitle = setting.Value
		case "node_poll_enabled":
			appSettings.NodePollEnabled = ParseBoolSetting(setting.Value, appSettings.NodePollEnabled)
		case "node_poll_delete_missing":
			appSettings.NodePollDeleteMissing = ParseBoolSetting(setting.Value, appSettings.NodePollDeleteMissing)
		case "node_poll_per_page":
			appSettings.NodePollPerPage = parseIntSetting(setting.Value, appSettings.NodePollPerPage)
		case "node_poll_interval_minutes":
			appSettings.NodePollIntervalMinutes = parseIntSetting(setting.Value, appSettings.NodePollIntervalMinutes)
		case "node_poll_lease_minutes":
			appSettings.NodePollLeaseMinutes = parseIntSetting(setting.Value, appSettings.NodePollLeaseMinutes)
		case "daily_resync_enabled":
			appSettings.DailyResyncEnabled = ParseBoolSetting(setting.Value, appSettings.DailyResyncEnabled)
		case "free_plan_slug":
			appSettings.FreePlanSlug = setting.Value
		case "alert_email":
			appSettings.AlertEmail = setting.Value
		case "alert_failure_threshold":
			appSettings.AlertFailureThreshold = parseIntSetting(setting.Value, appSettings.AlertFailureThreshold)
		case "alert_cooldown_minutes":
			appSettings.AlertCooldownMinutes = parseIntSetting(setting.Value, appSettings.AlertCooldownMinutes)
		}
	}

	return nil
}

// SaveSettings saves current settings to database
func SaveSettings(db *gorm.DB, settings *AppSettings) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	if err := settings.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	settingsMap := map[string]string{
		"site_title":                 settings.SiteTitle,
		"node_poll_enabled":          formatBoolSetting(settings.NodePollEnabled),
		"node_poll_delete_missing":   formatBoolSetting(settings.NodePollDeleteMissing),
		"node_poll_per_page":         strconv.Itoa(settings.NodePollPerPage),
		"node_poll_interval_minutes": strconv.Itoa(settings.NodePollIntervalMinutes),
		"node_poll_lease_minutes":    strconv.Itoa(settings.NodePollLeaseMinutes),
		"daily_resync_enabled":       formatBoolSetting(settings.DailyResyncEnabled),
		"free_plan_slug":             settings.FreePlanSlug,
		"alert_email":                settings.AlertEmail,
		"alert_failure_threshold":    strconv.Itoa(settings.AlertFailureThreshold),
		"alert_cooldown_minutes":     strconv.Itoa(settings.AlertCooldownMinutes),
	}

	for key, value := range settingsMap {
		var setting Setting
		result := db.Where("setting_key = ?", key).First(&setting)

		if result.Error != nil {
			if result.Error == gorm.ErrRecordNotFound {
				setting = Setting{
					Key:   key,
					Value: value,
					Type:  getSettingType(key),
				}
				if err := db.Create(&setting).Error; err != nil {
					return fmt.Errorf("failed to create setting %s: %w", key, err)
				}
			} else {
				return fmt.Errorf("failed to query setting %s: %w", key, result.Error)
			}
		} else {
			setting.Value = value
			if err := db.Save(&setting).Error; err != nil {
				return fmt.Errorf("failed to update setting %s: %w", key, err)
			}
		}
	}

	appSettings = settings
	return nil
}

// ParseBoolSetting parses checkbox-style stored values ("1"/"0"/"true"/"false").
// Unrecognized values fall back to def instead of silently flipping a flag.
func ParseBoolSetting(raw string, def bool) bool {
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off", "":
		return false
	default:
		return def
	}
}

func formatBoolSetting(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func parseIntSetting(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// getSettingType returns the type of a setting based on its key
func getSettingType(key string) string {
	switch key {
	case "node_poll_enabled", "node_poll_delete_missing", "daily_resync_enabled":
		return "boolean"
	case "node_poll_per_page", "node_poll_interval_minutes", "node_poll_lease_minutes",
		"alert_failure_threshold", "alert_cooldown_minutes":
		return "integer"
	default:
		return "string"
	}
}

// Validate validates the settings
func (s *AppSettings) Validate() error {
	validate := validator.New()
	return validate.Struct(s)
}

// ToJSON converts settings to JSON
func (s *AppSettings) ToJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s)
}

// FromJSON loads settings from JSON
func (s *AppSettings) FromJSON(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(data, s)
}

// IsNodePollEnabled returns whether the periodic Node poll job may run
func (s *AppSettings) IsNodePollEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.NodePollEnabled
}

// IsDeleteMissingEnabled returns whether the deletion planner may prune rows
func (s *AppSettings) IsDeleteMissingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.NodePollDeleteMissing
}

// GetNodePollPerPage returns the export page size
func (s *AppSettings) GetNodePollPerPage() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.NodePollPerPage
}

// GetNodePollIntervalMinutes returns the poll scheduler interval
func (s *AppSettings) GetNodePollIntervalMinutes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.NodePollIntervalMinutes
}

// GetNodePollLeaseMinutes returns the lease lock duration
func (s *AppSettings) GetNodePollLeaseMinutes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.NodePollLeaseMinutes
}

// IsDailyResyncEnabled returns whether the sibling resync job may run
func (s *AppSettings) IsDailyResyncEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.DailyResyncEnabled
}

// GetFreePlanSlug returns the plan slug treated as the free tier
func (s *AppSettings) GetFreePlanSlug() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.FreePlanSlug
}

// GetAlertEmail returns the alert recipient address
func (s *AppSettings) GetAlertEmail() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AlertEmail
}

// GetAlertFailureThreshold returns consecutive failures before alerting
func (s *AppSettings) GetAlertFailureThreshold() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AlertFailureThreshold
}

// GetAlertCooldownMinutes returns the minimum gap between alert mails
func (s *AppSettings) GetAlertCooldownMinutes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AlertCooldownMinutes
}
