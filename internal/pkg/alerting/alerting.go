package alerting

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/membergate/nodesync/app/models"
	"github.com/membergate/nodesync/internal/pkg/mail"
	"github.com/membergate/nodesync/internal/pkg/statestore"
)

// sendMail is indirected for tests.
var sendMail = mail.SendMail

// now is indirected for tests.
var now = time.Now

// HandleJobResult tracks consecutive failures per job and dispatches a
// cooldown-gated alert mail once the configured threshold is crossed. A
// successful run resets the failure count; "locked" and "disabled" outcomes
// leave it unchanged.
func HandleJobResult(store statestore.Store, jobName, status, errExcerpt string, settings *models.AppSettings) {
	failKey := "alert_" + jobName + "_fail_count"
	sentKey := "alert_" + jobName + "_last_sent"

	switch status {
	case "ok":
		if err := store.Set(failKey, "0"); err != nil {
			log.Errorf("[Alerting] failed to reset failure count for %s: %v", jobName, err)
		}
		return
	case "error":
		// handled below
	default:
		return
	}

	count := readInt(store, failKey) + 1
	if err := store.Set(failKey, strconv.Itoa(count)); err != nil {
		log.Errorf("[Alerting] failed to persist failure count for %s: %v", jobName, err)
	}

	threshold := 3
	cooldown := 6 * time.Hour
	recipient := ""
	if settings != nil {
		if v := settings.GetAlertFailureThreshold(); v > 0 {
			threshold = v
		}
		if v := settings.GetAlertCooldownMinutes(); v > 0 {
			cooldown = time.Duration(v) * time.Minute
		}
		recipient = settings.GetAlertEmail()
	}

	if count < threshold {
		log.Infof("[Alerting] %s failed (%d/%d consecutive), below alert threshold", jobName, count, threshold)
		return
	}
	if recipient == "" {
		log.Warnf("[Alerting] %s failing (%d consecutive) but no alert recipient configured", jobName, count)
		return
	}

	if raw, _ := store.Get(sentKey); raw != "" {
		if lastSent, err := time.Parse(time.RFC3339, raw); err == nil {
			if now().Sub(lastSent) < cooldown {
				log.Debugf("[Alerting] %s alert suppressed by cooldown", jobName)
				return
			}
		}
	}

	subject := fmt.Sprintf("[NodeSync] job %s failing (%d consecutive runs)", jobName, count)
	body := fmt.Sprintf(
		"<p>The <strong>%s</strong> job has failed %d times in a row.</p><p>Last error:</p><pre>%s</pre>",
		jobName, count, errExcerpt,
	)
	if err := sendMail(recipient, subject, body); err != nil {
		log.Errorf("[Alerting] failed to send alert for %s: %v", jobName, err)
		return
	}
	if err := store.Set(sentKey, now().UTC().Format(time.RFC3339)); err != nil {
		log.Errorf("[Alerting] failed to persist alert timestamp for %s: %v", jobName, err)
	}
}

func readInt(store statestore.Store, key string) int {
	raw, err := store.Get(key)
	if err != nil || raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
