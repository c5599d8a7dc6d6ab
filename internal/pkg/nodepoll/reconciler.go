package nodepoll

import (
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/membergate/nodesync/app/models"
)

// Reconciler applies one remote export item to the local mirror tables.
type Reconciler struct {
	repo         Repository
	freePlanSlug string
}

// NewReconciler creates a per-item reconciler.
func NewReconciler(repo Repository, freePlanSlug string) *Reconciler {
	return &Reconciler{repo: repo, freePlanSlug: freePlanSlug}
}

// ItemOutcome describes what happened to one remote item.
type ItemOutcome struct {
	SubscriptionID string
	UserID         uint

	// PairValid is true when both identity components are present; only
	// valid pairs enter the remote-pairs set.
	PairValid bool
	Pair      string

	// Skipped is true when strict validation rejected an active item and
	// neither mirror was touched.
	Skipped       bool
	MissingFields []string

	// NonIdentity marks an inactive item carrying no identity at all;
	// nothing to mirror and nothing to flag as unstable.
	NonIdentity bool

	KeyResult  *UpsertResult
	UserResult *UpsertResult

	// ProtectedPairs are local pairs that conflicted with this item and must
	// survive this run's deletion planning.
	ProtectedPairs []string
}

// Unstable reports whether this item taints the run's identifier stability.
func (o *ItemOutcome) Unstable() bool {
	if o.Skipped {
		return true
	}
	if o.NonIdentity {
		return false
	}
	return !o.PairValid
}

// ReconcileItem normalizes, validates and mirrors one remote item. Errors are
// storage failures only; validation problems are expressed in the outcome.
func (r *Reconciler) ReconcileItem(item *RemoteItem) (*ItemOutcome, error) {
	out := &ItemOutcome{
		SubscriptionID: item.subscriptionID(r.freePlanSlug),
		UserID:         uint(item.WPUserID),
	}
	out.PairValid = out.UserID > 0 && out.SubscriptionID != ""
	if out.PairValid {
		out.Pair = PairKey(out.UserID, out.SubscriptionID)
	}

	active := item.isActive()

	// Strict validation protects correct local rows from incomplete remote
	// records. Non-active items are always safe to mirror.
	if active {
		if missing := missingRequiredFields(item, out.SubscriptionID); len(missing) > 0 {
			out.Skipped = true
			out.MissingFields = missing
			log.Warnf("[NodePoll] skipping active item (subscription=%q user=%d): missing %s",
				out.SubscriptionID, out.UserID, strings.Join(missing, ", "))
			return out, nil
		}
	}

	if out.SubscriptionID == "" && out.UserID == 0 {
		// Only an inactive record gets the non-event treatment; an active
		// item without any pair component still taints stability.
		if !active {
			out.NonIdentity = true
		}
		return out, nil
	}

	validFrom := item.validFrom()
	validUntil := item.validUntil()
	prefix, last4 := item.keyMaterial()

	if out.SubscriptionID != "" {
		rec := &models.ApiKeyMirror{
			SubscriptionID:     out.SubscriptionID,
			CustomerEmail:      item.email(),
			CustomerName:       item.CustomerName.String(),
			PlanSlug:           item.planSlug(),
			Status:             item.mirrorStatus(),
			SubscriptionStatus: strings.ToLower(item.SubscriptionStatus.String()),
			KeyPrefix:          prefix,
			KeyLast4:           last4,
			ValidFrom:          validFrom,
			ValidUntil:         validUntil,
			NodePlanID:         item.planID(),
			NodeKeyID:          item.nodeKeyID(),
			LastAction:         "node_poll",
		}
		if out.UserID > 0 {
			uid := out.UserID
			rec.UserID = &uid
		}

		res, err := r.repo.UpsertKeyMirror(rec)
		if err != nil {
			return out, err
		}
		out.KeyResult = &res
		if res.Status == UpsertConflict {
			r.logConflict("key mirror", &res, out)
			if pair := conflictPair(&res); pair != "" {
				out.ProtectedPairs = append(out.ProtectedPairs, pair)
			}
		}
	}

	if out.UserID > 0 {
		rec := &models.UserEntitlement{
			UserID:             out.UserID,
			SubscriptionID:     out.SubscriptionID,
			PlanSlug:           item.planSlug(),
			Status:             item.mirrorStatus(),
			SubscriptionStatus: strings.ToLower(item.SubscriptionStatus.String()),
			CustomerEmail:      item.email(),
			CustomerName:       item.CustomerName.String(),
			OrderID:            item.OrderID.String(),
			ProductID:          item.ProductID.String(),
			ValidFrom:          validFrom,
			ValidUntil:         validUntil,
			NodePlanID:         item.planID(),
			NodeKeyID:          item.nodeKeyID(),
			Source:             models.EntitlementSourceNodePoll,
		}

		res, err := r.repo.UpsertUserEntitlement(rec)
		if err != nil {
			return out, err
		}
		out.UserResult = &res
		if res.Status == UpsertConflict {
			r.logConflict("user entitlement", &res, out)
			if pair := conflictPair(&res); pair != "" {
				out.ProtectedPairs = append(out.ProtectedPairs, pair)
			}
		}
	}

	return out, nil
}

// missingRequiredFields applies the active-item validation rules: an identity
// (subscription or remote key id), a plan slug, and at least one validity
// bound.
func missingRequiredFields(item *RemoteItem, subscriptionID string) []string {
	var missing []string
	if subscriptionID == "" && item.nodeKeyID() == "" {
		missing = append(missing, "subscription_id/api_key_id")
	}
	if item.planSlug() == "" {
		missing = append(missing, "plan_slug")
	}
	if item.validFrom() == nil && item.validUntil() == nil {
		missing = append(missing, "valid_from/valid_until")
	}
	return missing
}

func conflictPair(res *UpsertResult) string {
	if res.LocalUserID == nil || *res.LocalUserID == 0 || res.LocalSubscriptionID == "" {
		return ""
	}
	return PairKey(*res.LocalUserID, res.LocalSubscriptionID)
}

func (r *Reconciler) logConflict(table string, res *UpsertResult, out *ItemOutcome) {
	localUser := uint(0)
	if res.LocalUserID != nil {
		localUser = *res.LocalUserID
	}
	log.Warnf("[NodePoll] %s conflict: local pair (%d, %q) vs remote pair (%d, %q); local row left untouched",
		table, localUser, res.LocalSubscriptionID, out.UserID, out.SubscriptionID)
}
