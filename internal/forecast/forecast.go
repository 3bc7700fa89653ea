// Package forecast projects unseen future installments and answers the
// month-level queries the dashboard and the recurring-bill matcher consume.
//
// A View is computed from one store snapshot under one QueryContext, so
// every figure it reports uses the same attribution mode.
package forecast

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/cardflow/internal/attribution"
	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/grouping"
	"github.com/rumor-ml/commons.systems/cardflow/internal/logging"
	"github.com/rumor-ml/commons.systems/cardflow/internal/money"
)

// DefaultMinMonths is the minimum forecast length, current month included
const DefaultMinMonths = 6

// Kind tags an installment entry as observed or forecast
type Kind string

const (
	KindReal      Kind = "real"
	KindProjected Kind = "projected"
)

// Installment is one real or projected installment of a purchase group
type Installment struct {
	GroupID     string          `json:"groupId"`
	AccountID   string          `json:"accountId"`
	Description string          `json:"description"`
	Month       domain.Month    `json:"month"`
	Position    int             `json:"position"`
	Total       int             `json:"total"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        Kind            `json:"kind"`
	// TransactionID is set for real entries
	TransactionID string `json:"transactionId,omitempty"`
	Fallback      bool   `json:"fallback,omitempty"`
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMinMonths overrides the minimum forecast length
func WithMinMonths(n int) Option {
	return func(e *Engine) { e.minMonths = n }
}

// Engine builds query views from snapshots
type Engine struct {
	policy    grouping.Policy
	minMonths int
	logger    zerolog.Logger
}

// New creates a forecast engine
func New(policy grouping.Policy, opts ...Option) (*Engine, error) {
	e := &Engine{policy: policy, minMonths: DefaultMinMonths, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grouping policy: %w", err)
	}
	if e.minMonths < 1 {
		return nil, fmt.Errorf("minimum forecast months must be at least 1, got %d", e.minMonths)
	}
	return e, nil
}

// View is the derived, read-only state for one query
type View struct {
	Query    attribution.QueryContext
	Grouping *grouping.Result
	// Attributed holds every canonical transaction with its month
	Attributed   []attribution.Attributed
	Notices      []domain.AttributionFallbackNotice
	Installments []Installment
	// First and Last bound the forecast horizon, both inclusive
	First domain.Month
	Last  domain.Month
}

// Build groups, attributes and projects a snapshot. The query's lookback,
// when set, overrides the policy's.
func (e *Engine) Build(q attribution.QueryContext, snap *domain.Snapshot) (*View, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	if snap == nil {
		return nil, fmt.Errorf("snapshot cannot be nil")
	}
	if snap.ProfileID != "" && snap.ProfileID != q.ProfileID {
		return nil, fmt.Errorf("snapshot belongs to profile %q, not %q", snap.ProfileID, q.ProfileID)
	}

	policy := e.policy
	if q.Lookback > 0 {
		policy.LookbackMonths = q.Lookback
	}
	g, err := grouping.New(policy, e.logger)
	if err != nil {
		return nil, err
	}
	log := logging.Component(e.logger, logging.ComponentForecast).With().
		Str(logging.FieldProfile, q.ProfileID).
		Str(logging.FieldMode, string(q.Mode)).
		Logger()

	res := g.Group(snap.Transactions)
	attributed, notices := attribution.Attribute(q, res.Canonical)
	for _, n := range notices {
		log.Info().Str(logging.FieldTransaction, n.TransactionID).Msg(n.String())
	}

	v := &View{
		Query:      q,
		Grouping:   res,
		Attributed: attributed,
		Notices:    notices,
		First:      q.CurrentMonth(),
	}
	v.Last = v.First.AddMonths(e.minMonths - 1)

	for _, group := range res.Groups {
		entries := project(q.Mode, group)
		for _, in := range entries {
			if in.Kind == KindProjected && in.Month.After(v.Last) {
				v.Last = in.Month
			}
		}
		v.Installments = append(v.Installments, entries...)
	}
	sortInstallments(v.Installments)

	log.Debug().
		Int("groups", len(res.Groups)).
		Int("installments", len(v.Installments)).
		Str("horizon", v.Last.String()).
		Msg("view built")
	return v, nil
}

// project returns the real canonical entries of a group followed by the
// projection of its remaining positions from the last observation, one month
// apart, at the last observed amount.
func project(mode domain.MonthAttributionMode, group *grouping.PurchaseGroup) []Installment {
	var out []Installment
	realMonths := make(map[domain.Month]bool)
	var last *Installment
	for _, txn := range group.Canonical() {
		month, notice := attribution.Resolve(mode, txn)
		if month.IsZero() {
			continue
		}
		in := Installment{
			GroupID:       group.ID,
			AccountID:     group.Key.AccountID,
			Description:   group.Key.Description,
			Month:         month,
			Position:      txn.InstallmentPosition,
			Total:         txn.InstallmentTotal,
			Amount:        txn.Amount,
			Kind:          KindReal,
			TransactionID: txn.ID,
			Fallback:      notice != nil,
		}
		out = append(out, in)
		realMonths[month] = true
		if last == nil || in.Month.After(last.Month) || (in.Month == last.Month && in.Position > last.Position) {
			cp := in
			last = &cp
		}
	}
	if last == nil {
		return out
	}

	for pos := last.Position + 1; pos <= last.Total; pos++ {
		month := last.Month.AddMonths(pos - last.Position)
		if realMonths[month] {
			continue
		}
		out = append(out, Installment{
			GroupID:     group.ID,
			AccountID:   group.Key.AccountID,
			Description: group.Key.Description,
			Month:       month,
			Position:    pos,
			Total:       last.Total,
			Amount:      last.Amount,
			Kind:        KindProjected,
			Fallback:    last.Fallback,
		})
	}
	return out
}

func sortInstallments(ins []Installment) {
	sort.SliceStable(ins, func(i, j int) bool {
		a, b := ins[i], ins[j]
		if a.Month != b.Month {
			return a.Month.Before(b.Month)
		}
		if a.Kind != b.Kind {
			return a.Kind == KindReal
		}
		if a.Description != b.Description {
			return a.Description < b.Description
		}
		if a.GroupID != b.GroupID {
			return a.GroupID < b.GroupID
		}
		return a.Position < b.Position
	})
}

// Months lists the horizon months in order
func (v *View) Months() []domain.Month {
	var out []domain.Month
	for m := v.First; !m.After(v.Last); m = m.AddMonths(1) {
		out = append(out, m)
	}
	return out
}

// MonthSchedule is the installment cash flow of one month
type MonthSchedule struct {
	Month          domain.Month    `json:"month"`
	Real           decimal.Decimal `json:"real"`
	Projected      decimal.Decimal `json:"projected"`
	Total          decimal.Decimal `json:"total"`
	RealCount      int             `json:"realCount"`
	ProjectedCount int             `json:"projectedCount"`
}

// Schedule returns the combined real and projected installment totals for
// every horizon month. Amounts are rounded only here.
func (v *View) Schedule() []MonthSchedule {
	index := make(map[domain.Month]int)
	months := v.Months()
	sums := make([]struct{ real, projected decimal.Decimal }, len(months))
	out := make([]MonthSchedule, len(months))
	for i, m := range months {
		index[m] = i
		out[i].Month = m
		sums[i].real, sums[i].projected = decimal.Zero, decimal.Zero
	}
	for _, in := range v.Installments {
		i, ok := index[in.Month]
		if !ok {
			continue
		}
		if in.Kind == KindReal {
			sums[i].real = sums[i].real.Add(in.Amount)
			out[i].RealCount++
		} else {
			sums[i].projected = sums[i].projected.Add(in.Amount)
			out[i].ProjectedCount++
		}
	}
	for i := range out {
		out[i].Real = money.Round(sums[i].real)
		out[i].Projected = money.Round(sums[i].projected)
		out[i].Total = money.Round(sums[i].real.Add(sums[i].projected))
	}
	return out
}

// MonthView is the canonical line-item list of one month and its total
type MonthView struct {
	Month         domain.Month                `json:"month"`
	Mode          domain.MonthAttributionMode `json:"mode"`
	Items         []attribution.Attributed    `json:"items"`
	Total         decimal.Decimal             `json:"total"`
	FallbackCount int                         `json:"fallbackCount"`
}

// MonthTransactions lists the canonical transactions attributed to month.
// Preview rows are never included and the total is the sum of the items.
func (v *View) MonthTransactions(month domain.Month) MonthView {
	mv := MonthView{Month: month, Mode: v.Query.Mode, Items: attribution.InMonth(v.Attributed, month)}
	sum := decimal.Zero
	for _, a := range mv.Items {
		sum = sum.Add(a.Transaction.Amount)
		if a.Fallback {
			mv.FallbackCount++
		}
	}
	mv.Total = money.Round(sum)
	return mv
}

// Breakdown splits one month's installment cash flow into real and projected
type Breakdown struct {
	Month          domain.Month                `json:"month"`
	Mode           domain.MonthAttributionMode `json:"mode"`
	Real           []Installment               `json:"real"`
	Projected      []Installment               `json:"projected"`
	RealTotal      decimal.Decimal             `json:"realTotal"`
	ProjectedTotal decimal.Decimal             `json:"projectedTotal"`
	Total          decimal.Decimal             `json:"total"`
}

// InstallmentBreakdown returns the real and projected installments of month
func (v *View) InstallmentBreakdown(month domain.Month) Breakdown {
	b := Breakdown{Month: month, Mode: v.Query.Mode}
	realSum, projectedSum := decimal.Zero, decimal.Zero
	for _, in := range v.Installments {
		if in.Month != month {
			continue
		}
		if in.Kind == KindReal {
			b.Real = append(b.Real, in)
			realSum = realSum.Add(in.Amount)
		} else {
			b.Projected = append(b.Projected, in)
			projectedSum = projectedSum.Add(in.Amount)
		}
	}
	b.RealTotal = money.Round(realSum)
	b.ProjectedTotal = money.Round(projectedSum)
	b.Total = money.Round(realSum.Add(projectedSum))
	return b
}

// MatcherFeed returns the month-attributed canonical transactions handed to
// the recurring-bill matcher, ordered by month then date. Preview rows are
// excluded. With no months given, every month is included.
func (v *View) MatcherFeed(months ...domain.Month) []attribution.Attributed {
	want := make(map[domain.Month]bool, len(months))
	for _, m := range months {
		want[m] = true
	}
	var out []attribution.Attributed
	for _, a := range v.Attributed {
		if len(want) > 0 && !want[a.Month] {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month.Before(out[j].Month)
		}
		if !out[i].Transaction.Date.Equal(out[j].Transaction.Date) {
			return out[i].Transaction.Date.Before(out[j].Transaction.Date)
		}
		return out[i].Transaction.ID < out[j].Transaction.ID
	})
	return out
}
