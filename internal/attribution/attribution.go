// Package attribution resolves which month label governs a transaction for a
// query. The mode is carried explicitly in a QueryContext; there is no
// process-wide current mode.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/logging"
	"github.com/rumor-ml/commons.systems/cardflow/internal/store"
)

// Field names reported in fallback notices
const (
	FieldInvoiceMonth = "invoice_month"
	FieldMonthStr     = "month_str"
)

// DefaultLookback is the grouping lookback window in months
const DefaultLookback = 3

// QueryContext pins everything a single query depends on. Every aggregate
// computed with one QueryContext uses the same mode.
type QueryContext struct {
	ProfileID string
	Mode      domain.MonthAttributionMode
	// Lookback is the number of statement months a purchase group stays
	// open for matching without a new observation
	Lookback int
	Now      time.Time
}

// NewQueryContext builds a query context from a profile's settings
func NewQueryContext(profile *domain.Profile, lookback int, now time.Time) (QueryContext, error) {
	if profile == nil {
		return QueryContext{}, fmt.Errorf("profile cannot be nil")
	}
	q := QueryContext{ProfileID: profile.ID, Mode: profile.Mode, Lookback: lookback, Now: now}
	if err := q.Validate(); err != nil {
		return QueryContext{}, err
	}
	return q, nil
}

// Validate checks that the context is usable
func (q QueryContext) Validate() error {
	if q.ProfileID == "" {
		return fmt.Errorf("profile ID cannot be empty")
	}
	if _, err := domain.ParseMode(string(q.Mode)); err != nil {
		return err
	}
	if q.Lookback < 0 {
		return fmt.Errorf("lookback cannot be negative, got %d", q.Lookback)
	}
	if q.Now.IsZero() {
		return fmt.Errorf("query time cannot be zero")
	}
	return nil
}

// CurrentMonth is the calendar month of the query time
func (q QueryContext) CurrentMonth() domain.Month {
	return domain.MonthOf(q.Now)
}

// WithMode returns a copy of q using mode
func (q QueryContext) WithMode(mode domain.MonthAttributionMode) QueryContext {
	q.Mode = mode
	return q
}

// Attributed is a transaction together with its resolved month
type Attributed struct {
	Transaction domain.Transaction `json:"transaction"`
	Month       domain.Month       `json:"month"`
	// Fallback marks a lower-confidence attribution made through the field
	// the mode does not select
	Fallback bool `json:"fallback"`
}

// Resolve returns the authoritative month of txn under mode. When the field
// selected by the mode is empty the other field is used for this transaction
// only and a notice is returned.
func Resolve(mode domain.MonthAttributionMode, txn domain.Transaction) (domain.Month, *domain.AttributionFallbackNotice) {
	primary, secondary := txn.MonthStr, txn.InvoiceMonth
	used := FieldInvoiceMonth
	if mode == domain.ModeInvoice {
		primary, secondary = txn.InvoiceMonth, txn.MonthStr
		used = FieldMonthStr
	}
	if !primary.IsZero() || secondary.IsZero() {
		return primary, nil
	}
	return secondary, &domain.AttributionFallbackNotice{
		TransactionID: txn.ID,
		Mode:          mode,
		UsedField:     used,
		Month:         secondary,
	}
}

// Attribute resolves every transaction under q's mode. Transactions with
// neither month set cannot be attributed and are left out.
func Attribute(q QueryContext, txns []domain.Transaction) ([]Attributed, []domain.AttributionFallbackNotice) {
	out := make([]Attributed, 0, len(txns))
	var notices []domain.AttributionFallbackNotice
	for _, txn := range txns {
		month, notice := Resolve(q.Mode, txn)
		if month.IsZero() {
			continue
		}
		a := Attributed{Transaction: txn, Month: month}
		if notice != nil {
			a.Fallback = true
			notices = append(notices, *notice)
		}
		out = append(out, a)
	}
	return out, notices
}

// InMonth filters attributed transactions to one month
func InMonth(attributed []Attributed, month domain.Month) []Attributed {
	var out []Attributed
	for _, a := range attributed {
		if a.Month == month {
			out = append(out, a)
		}
	}
	return out
}

// NewLink freezes the month resolved under q for a reconciliation link. The
// link keeps this month and mode even if the profile's mode changes later.
func NewLink(q QueryContext, txn domain.Transaction, externalRef string) (domain.ReconciliationLink, error) {
	if externalRef == "" {
		return domain.ReconciliationLink{}, fmt.Errorf("external reference cannot be empty")
	}
	if txn.ProfileID != "" && txn.ProfileID != q.ProfileID {
		return domain.ReconciliationLink{}, fmt.Errorf("transaction %s belongs to profile %q, not %q",
			txn.ID, txn.ProfileID, q.ProfileID)
	}
	month, notice := Resolve(q.Mode, txn)
	if month.IsZero() {
		return domain.ReconciliationLink{}, fmt.Errorf("transaction %s has no month to attribute", txn.ID)
	}
	return domain.ReconciliationLink{
		ID:            uuid.NewString(),
		ProfileID:     q.ProfileID,
		TransactionID: txn.ID,
		ExternalRef:   externalRef,
		Month:         month,
		Mode:          q.Mode,
		Fallback:      notice != nil,
		CreatedAt:     q.Now,
	}, nil
}

// Link resolves txnID in the profile's snapshot and stores a new link for it
func Link(ctx context.Context, st store.Store, q QueryContext, txnID, externalRef string) (domain.ReconciliationLink, error) {
	if err := q.Validate(); err != nil {
		return domain.ReconciliationLink{}, err
	}
	snap, err := st.Snapshot(ctx, q.ProfileID)
	if err != nil {
		return domain.ReconciliationLink{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	for _, txn := range snap.Transactions {
		if txn.ID != txnID {
			continue
		}
		link, err := NewLink(q, txn, externalRef)
		if err != nil {
			return domain.ReconciliationLink{}, err
		}
		if err := st.CreateLink(ctx, link); err != nil {
			return domain.ReconciliationLink{}, err
		}
		log := logging.Component(logging.FromContext(ctx), logging.ComponentAttribution)
		log.Info().
			Str(logging.FieldProfile, q.ProfileID).
			Str(logging.FieldTransaction, txnID).
			Str(logging.FieldMode, string(link.Mode)).
			Str(logging.FieldMonth, link.Month.String()).
			Bool("fallback", link.Fallback).
			Msg("reconciliation link created")
		return link, nil
	}
	return domain.ReconciliationLink{}, fmt.Errorf("transaction %s: %w", txnID, store.ErrNotFound)
}

// SwitchMode persists a new mode for a profile. Existing links are not
// touched; only queries and links made afterwards observe the new mode.
func SwitchMode(ctx context.Context, st store.Store, profileID string, mode domain.MonthAttributionMode, now time.Time) (*domain.Profile, error) {
	profile, err := domain.NewProfile(profileID, mode, now)
	if err != nil {
		return nil, err
	}
	current, err := st.GetProfile(ctx, profileID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if current != nil && current.Mode == mode {
		return current, nil
	}
	if err := st.SaveProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	log := logging.Component(logging.FromContext(ctx), logging.ComponentAttribution)
	log.Info().
		Str(logging.FieldProfile, profileID).
		Str(logging.FieldMode, string(mode)).
		Msg("attribution mode switched")
	return profile, nil
}
