package nodepoll

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/membergate/nodesync/app/models"
)

// flexString tolerates string or numeric JSON values; the Node export is not
// strict about scalar types.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	return fmt.Errorf("value %s is neither string nor number", string(data))
}

func (f flexString) String() string { return string(f) }

// flexUint tolerates numeric strings for ID fields ("42" vs 42).
type flexUint uint

func (f *flexUint) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexUint(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*f = 0
		return nil
	}
	parsed, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("value %q is not a numeric id", s)
	}
	*f = flexUint(parsed)
	return nil
}

type remotePlan struct {
	PlanSlug flexString `json:"plan_slug"`
	PlanID   flexString `json:"plan_id"`
}

// RemoteItem is one record of the Node's paginated key export. Several
// logical fields arrive under more than one key depending on the Node
// version; the accessor methods resolve the candidates in order.
type RemoteItem struct {
	Plan                   *remotePlan `json:"plan"`
	FlatPlanSlug           flexString  `json:"plan_slug"`
	FlatPlanID             flexString  `json:"plan_id"`
	SubscriptionID         flexString  `json:"subscription_id"`
	ExternalSubscriptionID flexString  `json:"external_subscription_id"`
	WPUserID               flexUint    `json:"wp_user_id"`
	CustomerEmail          flexString  `json:"customer_email"`
	AltEmail               flexString  `json:"email"`
	CustomerName           flexString  `json:"customer_name"`
	Status                 flexString  `json:"status"`
	SubscriptionStatus     flexString  `json:"subscription_status"`
	ValidFrom              flexString  `json:"valid_from"`
	ValidUntil             flexString  `json:"valid_until"`
	ValidTo                flexString  `json:"valid_to"`
	ID                     flexString  `json:"id"`
	APIKeyID               flexString  `json:"api_key_id"`
	NodeAPIKeyID           flexString  `json:"node_api_key_id"`
	OrderID                flexString  `json:"order_id"`
	ProductID              flexString  `json:"product_id"`
	Key                    flexString  `json:"key"`
	KeyPrefix              flexString  `json:"key_prefix"`
	KeyLast4               flexString  `json:"key_last4"`
}

// planSlug resolves plan.plan_slug before the flat plan_slug field.
func (it *RemoteItem) planSlug() string {
	if it.Plan != nil && it.Plan.PlanSlug != "" {
		return normalizePlanSlug(it.Plan.PlanSlug.String())
	}
	return normalizePlanSlug(it.FlatPlanSlug.String())
}

func (it *RemoteItem) planID() string {
	if it.Plan != nil && it.Plan.PlanID != "" {
		return it.Plan.PlanID.String()
	}
	return it.FlatPlanID.String()
}

// subscriptionID prefers the explicit subscription id, then the external
// subscription id, then synthesizes free-<user_id> for free-tier users.
func (it *RemoteItem) subscriptionID(freePlanSlug string) string {
	if s := it.SubscriptionID.String(); s != "" {
		return s
	}
	if s := it.ExternalSubscriptionID.String(); s != "" {
		return s
	}
	if it.planSlug() == freePlanSlug && it.WPUserID > 0 {
		return "free-" + strconv.FormatUint(uint64(it.WPUserID), 10)
	}
	return ""
}

func (it *RemoteItem) email() string {
	if s := it.CustomerEmail.String(); s != "" {
		return normalizeEmail(s)
	}
	return normalizeEmail(it.AltEmail.String())
}

// validUntil resolves valid_until before the older valid_to alias.
func (it *RemoteItem) validUntil() *time.Time {
	if t := parseNodeTime(it.ValidUntil.String()); t != nil {
		return t
	}
	return parseNodeTime(it.ValidTo.String())
}

func (it *RemoteItem) validFrom() *time.Time {
	return parseNodeTime(it.ValidFrom.String())
}

// nodeKeyID resolves id, api_key_id, node_api_key_id in order.
func (it *RemoteItem) nodeKeyID() string {
	if s := it.ID.String(); s != "" {
		return s
	}
	if s := it.APIKeyID.String(); s != "" {
		return s
	}
	return it.NodeAPIKeyID.String()
}

// isActive reports whether the item's effective status entitles the key.
func (it *RemoteItem) isActive() bool {
	switch strings.ToLower(it.Status.String()) {
	case "active", "ok":
		return true
	default:
		return false
	}
}

func (it *RemoteItem) mirrorStatus() string {
	switch strings.ToLower(it.Status.String()) {
	case "active", "ok":
		return models.KeyStatusActive
	case "disabled", "revoked", "cancelled", "canceled", "expired":
		return models.KeyStatusDisabled
	default:
		return models.KeyStatusUnknown
	}
}

// keyMaterial returns the storable partial secret. Pre-split prefix/last4
// win; otherwise both are derived from the full key, which is never kept.
func (it *RemoteItem) keyMaterial() (prefix, last4 string) {
	prefix = it.KeyPrefix.String()
	last4 = it.KeyLast4.String()
	if prefix != "" || last4 != "" {
		return prefix, last4
	}
	raw := it.Key.String()
	if raw == "" {
		return "", ""
	}
	if len(raw) > 8 {
		prefix = raw[:8]
	} else {
		prefix = raw
	}
	if len(raw) >= 4 {
		last4 = raw[len(raw)-4:]
	}
	return prefix, last4
}

// ExportPage is one decoded page of the Node export plus the loop-control
// metadata the Node may or may not declare.
type ExportPage struct {
	Items      []RemoteItem
	TotalPages int
	Total      *int
	HasMore    *bool
}

var errUnrecognizedPayload = errors.New("unrecognized export payload shape")

// decodeExportPage accepts {"items":[...]}, {"data":[...]} or a bare list.
func decodeExportPage(body []byte) (*ExportPage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errUnrecognizedPayload
	}

	if trimmed[0] == '[' {
		var items []RemoteItem
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return &ExportPage{Items: items}, nil
	}

	var envelope struct {
		Items      json.RawMessage `json:"items"`
		Data       json.RawMessage `json:"data"`
		TotalPages int             `json:"total_pages"`
		Total      *int            `json:"total"`
		HasMore    *bool           `json:"has_more"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, err
	}

	page := &ExportPage{
		TotalPages: envelope.TotalPages,
		Total:      envelope.Total,
		HasMore:    envelope.HasMore,
	}

	switch {
	case envelope.Items != nil:
		if err := json.Unmarshal(envelope.Items, &page.Items); err != nil {
			return nil, err
		}
	case envelope.Data != nil:
		if err := json.Unmarshal(envelope.Data, &page.Items); err != nil {
			return nil, err
		}
	case envelope.Total != nil:
		// "total": 0 with no list is a legitimate empty export.
	default:
		return nil, errUnrecognizedPayload
	}
	return page, nil
}

func normalizePlanSlug(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	return s
}

func normalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

var nodeTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseNodeTime tolerates the date formats the Node has shipped over time.
func parseNodeTime(raw string) *time.Time {
	v := strings.TrimSpace(raw)
	if v == "" || v == "0000-00-00 00:00:00" {
		return nil
	}
	for _, layout := range nodeTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
