package nodepoll

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/membergate/nodesync/app/models"
	"github.com/membergate/nodesync/internal/pkg/env"
)

const (
	minPerPage = 1
	maxPerPage = 500
)

// Config is the typed, validated configuration consumed by the engine. It is
// rebuilt at the start of every run so admin-changed settings apply without a
// restart.
type Config struct {
	BaseURL       string        `validate:"required,url"`
	APIToken      string        `validate:"required"`
	Enabled       bool          ``
	DeleteMissing bool          ``
	PerPage       int           `validate:"min=1,max=500"`
	Lease         time.Duration `validate:"min=1m"`
	FreePlanSlug  string        `validate:"required"`
}

// ConfigFromSettings combines environment credentials with the DB-backed
// admin settings into a Config. Page size is clamped rather than rejected.
func ConfigFromSettings(settings *models.AppSettings) (Config, error) {
	cfg := Config{
		BaseURL:      strings.TrimRight(strings.TrimSpace(env.GetEnv("NODE_API_BASE_URL", "")), "/"),
		APIToken:     strings.TrimSpace(env.GetEnv("NODE_API_TOKEN", "")),
		PerPage:      100,
		Lease:        10 * time.Minute,
		FreePlanSlug: "free",
	}

	if settings != nil {
		cfg.Enabled = settings.IsNodePollEnabled()
		cfg.DeleteMissing = settings.IsDeleteMissingEnabled()
		cfg.PerPage = settings.GetNodePollPerPage()
		cfg.Lease = time.Duration(settings.GetNodePollLeaseMinutes()) * time.Minute
		if slug := strings.TrimSpace(settings.GetFreePlanSlug()); slug != "" {
			cfg.FreePlanSlug = normalizePlanSlug(slug)
		}
	}

	cfg.PerPage = clampPerPage(cfg.PerPage)

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func clampPerPage(n int) int {
	if n < minPerPage {
		return minPerPage
	}
	if n > maxPerPage {
		return maxPerPage
	}
	return n
}
