package statestore

import (
	"errors"

	"github.com/membergate/nodesync/app/models"
	"gorm.io/gorm"
)

// gormStore persists state in the shared settings table.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a Store backed by the settings table.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Get(key string) (string, error) {
	var setting models.Setting
	err := s.db.Where("setting_key = ?", key).First(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return setting.Value, nil
}

func (s *gormStore) Set(key, value string) error {
	var setting models.Setting
	err := s.db.Where("setting_key = ?", key).First(&setting).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		setting = models.Setting{
			Key:   key,
			Value: value,
			Type:  "string",
		}
		return s.db.Create(&setting).Error
	} else if err != nil {
		return err
	}

	setting.Value = value
	return s.db.Save(&setting).Error
}

func (s *gormStore) Delete(key string) error {
	return s.db.Where("setting_key = ?", key).Delete(&models.Setting{}).Error
}
