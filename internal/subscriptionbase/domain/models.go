// Package domain contains persistence models for accounts, bundles and the
// subscriptions entitlements are attached to.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Category classifies a subscription inside its bundle.
type Category string

const (
	CategoryBase       Category = "BASE"
	CategoryAddOn      Category = "ADD_ON"
	CategoryStandalone Category = "STANDALONE"
)

type BillingPeriod string

const (
	BillingPeriodMonthly         BillingPeriod = "MONTHLY"
	BillingPeriodQuarterly       BillingPeriod = "QUARTERLY"
	BillingPeriodAnnual          BillingPeriod = "ANNUAL"
	BillingPeriodNoBillingPeriod BillingPeriod = "NO_BILLING_PERIOD"
)

// Months returns the length of one billing term, zero when there is none.
func (p BillingPeriod) Months() int {
	switch p {
	case BillingPeriodMonthly:
		return 1
	case BillingPeriodQuarterly:
		return 3
	case BillingPeriodAnnual:
		return 12
	default:
		return 0
	}
}

func (p BillingPeriod) Valid() bool {
	switch p {
	case BillingPeriodMonthly, BillingPeriodQuarterly, BillingPeriodAnnual, BillingPeriodNoBillingPeriod:
		return true
	default:
		return false
	}
}

// BillingActionPolicy decides when a billing-side change takes effect.
type BillingActionPolicy string

const (
	BillingActionPolicyImmediate   BillingActionPolicy = "IMMEDIATE"
	BillingActionPolicyEndOfTerm   BillingActionPolicy = "END_OF_TERM"
	BillingActionPolicyStartOfTerm BillingActionPolicy = "START_OF_TERM"
)

// PlanSpecifier identifies a catalog plan by product, period and price list.
type PlanSpecifier struct {
	ProductName   string        `json:"product_name"`
	BillingPeriod BillingPeriod `json:"billing_period"`
	PriceList     string        `json:"price_list"`
}

// PlanName derives the catalog plan name, e.g. "pistol-monthly".
func (s PlanSpecifier) PlanName() string {
	product := strings.ToLower(strings.TrimSpace(s.ProductName))
	period := strings.ToLower(strings.ReplaceAll(string(s.BillingPeriod), "_", "-"))
	return fmt.Sprintf("%s-%s", product, period)
}

// PriceOverride replaces catalog prices for one plan phase.
type PriceOverride struct {
	PhaseName      string           `json:"phase_name"`
	Currency       string           `json:"currency"`
	FixedPrice     *decimal.Decimal `json:"fixed_price,omitempty"`
	RecurringPrice *decimal.Decimal `json:"recurring_price,omitempty"`
}

// Account holds the zone every local date of its subscriptions is interpreted in.
type Account struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;index"`
	ExternalKey string       `gorm:"type:text;not null"`
	TimeZone    string       `gorm:"type:text;not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Location resolves the account zone, UTC when unset.
func (a Account) Location() (*time.Location, error) {
	name := strings.TrimSpace(a.TimeZone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, newError(ErrInvalidTimeZone, fmt.Sprintf("account %s has invalid time zone %q", a.ID, a.TimeZone))
	}
	return loc, nil
}

// Bundle groups one base subscription with its add-ons.
type Bundle struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;index"`
	AccountID   snowflake.ID `gorm:"not null;index"`
	ExternalKey string       `gorm:"type:text;not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Bundle) TableName() string { return "subscription_bundles" }

// Subscription is the billing side of an entitlement. An entitlement shares its
// subscription's identifier.
type Subscription struct {
	ID                 snowflake.ID  `gorm:"primaryKey"`
	OrgID              snowflake.ID  `gorm:"not null;index"`
	AccountID          snowflake.ID  `gorm:"not null;index"`
	BundleID           snowflake.ID  `gorm:"not null;index"`
	Category           Category      `gorm:"type:text;not null"`
	ProductName        string        `gorm:"type:text;not null"`
	PlanName           string        `gorm:"type:text;not null"`
	BillingPeriod      BillingPeriod `gorm:"type:text;not null"`
	PriceList          string        `gorm:"type:text;not null"`
	StartDate          time.Time     `gorm:"not null"`
	ChargedThroughDate *time.Time    `gorm:""`
	CancelledDate      *time.Time    `gorm:""`
	PendingPlan        datatypes.JSON
	PendingChangeDate  *time.Time `gorm:""`
	PriceOverrides     datatypes.JSON
	CreatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// IsCancelledAt reports whether billing has ended at or before at.
func (s Subscription) IsCancelledAt(at time.Time) bool {
	return s.CancelledDate != nil && !s.CancelledDate.After(at)
}

// FutureEndDate returns the billing end date when it is still ahead of now.
func (s Subscription) FutureEndDate(now time.Time) *time.Time {
	if s.CancelledDate == nil || !s.CancelledDate.After(now) {
		return nil
	}
	end := *s.CancelledDate
	return &end
}

// CurrentPlan returns the plan the subscription is on.
func (s Subscription) CurrentPlan() PlanSpecifier {
	return PlanSpecifier{
		ProductName:   s.ProductName,
		BillingPeriod: s.BillingPeriod,
		PriceList:     s.PriceList,
	}
}

// PlanAt returns the plan in effect at the given instant, taking a scheduled
// change into account.
func (s Subscription) PlanAt(at time.Time) PlanSpecifier {
	if s.PendingChangeDate == nil || s.PendingChangeDate.After(at) {
		return s.CurrentPlan()
	}
	pending, ok := s.DecodePendingPlan()
	if !ok {
		return s.CurrentPlan()
	}
	return pending
}

// DecodePendingPlan returns the scheduled plan if one is recorded.
func (s Subscription) DecodePendingPlan() (PlanSpecifier, bool) {
	if len(s.PendingPlan) == 0 {
		return PlanSpecifier{}, false
	}
	var spec PlanSpecifier
	if err := json.Unmarshal(s.PendingPlan, &spec); err != nil || spec.ProductName == "" {
		return PlanSpecifier{}, false
	}
	return spec, true
}

// ProductAddon lists the add-on products that remain available with a base product.
type ProductAddon struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	BaseProductName  string       `gorm:"type:text;not null;index"`
	AddonProductName string       `gorm:"type:text;not null"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProductAddon) TableName() string { return "product_addons" }
