// Package grouping recognizes installment rows that belong to one real-world
// purchase and picks the single counted charge per statement period.
//
// Groups are never persisted. Group is a pure function of its input: the
// same transactions and policy always yield the same groups, IDs and
// canonical selections.
package grouping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/installment"
	"github.com/rumor-ml/commons.systems/cardflow/internal/logging"
	"github.com/rumor-ml/commons.systems/cardflow/internal/money"
)

var groupNamespace = uuid.MustParse("0b7e4d52-9c1f-5a38-b6d2-3f8a1e6c4d70")

// Ambiguity reasons
const (
	ReasonDuplicatePosition = "installment position appears more than once in one statement period"
)

// Policy is the exact-then-tolerance matching policy
type Policy struct {
	// Tolerance is the inclusive absolute amount difference accepted when no
	// exact match exists
	Tolerance decimal.Decimal
	// LookbackMonths is how long a group stays open without a new observation
	LookbackMonths int
	// MinStemTokens is the minimum token count of a description stem that
	// drifting descriptions may be folded onto
	MinStemTokens int
}

// DefaultPolicy returns the default matching policy
func DefaultPolicy() Policy {
	return Policy{
		Tolerance:      decimal.New(10, -2),
		LookbackMonths: 3,
		MinStemTokens:  2,
	}
}

// Validate checks the policy values
func (p Policy) Validate() error {
	if p.Tolerance.IsNegative() {
		return fmt.Errorf("tolerance cannot be negative, got %s", p.Tolerance)
	}
	if p.LookbackMonths < 1 {
		return fmt.Errorf("lookback must be at least 1 month, got %d", p.LookbackMonths)
	}
	if p.MinStemTokens < 1 {
		return fmt.Errorf("minimum stem tokens must be at least 1, got %d", p.MinStemTokens)
	}
	return nil
}

// Key is the grouping key of a purchase
type Key struct {
	AccountID   string `json:"accountId"`
	Description string `json:"description"`
	Total       int    `json:"installmentTotal"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%d", k.AccountID, k.Description, k.Total)
}

// Member is one transaction of a purchase group
type Member struct {
	Transaction domain.Transaction `json:"transaction"`
	// Period is the statement period the row was billed in: its invoice
	// month, or its calendar month when the format has no billing cycle
	Period    domain.Month `json:"period"`
	Canonical bool         `json:"canonical"`
	// Tolerant marks a row that joined through the tolerance tier
	Tolerant bool `json:"tolerant,omitempty"`
	// Carried marks a preview counted again as the charge of a later period
	// whose real row shares the preview's fingerprint and was never stored
	Carried bool `json:"carried,omitempty"`
}

// PurchaseGroup is the set of installment rows believed to be one purchase
type PurchaseGroup struct {
	ID      string   `json:"id"`
	Key     Key      `json:"key"`
	Members []Member `json:"members"`

	lastPeriod    domain.Month
	lastAmount    decimal.Decimal
	lastCanonical int
	periodMin     map[domain.Month]int
	order         int
}

// Canonical returns the counted rows of the group, one per period, in period order
func (g *PurchaseGroup) Canonical() []domain.Transaction {
	var out []domain.Transaction
	for _, m := range g.Members {
		if m.Canonical {
			out = append(out, m.Transaction)
		}
	}
	return out
}

// Previews returns rows excluded from their period's total
func (g *PurchaseGroup) Previews() []domain.Transaction {
	var out []domain.Transaction
	for _, m := range g.Members {
		if !m.Canonical {
			out = append(out, m.Transaction)
		}
	}
	return out
}

// Result is the outcome of grouping one transaction set
type Result struct {
	Groups []*PurchaseGroup
	// Canonical holds every counted transaction: non-installment rows and the
	// canonical row of each group period, ordered by date then ID
	Canonical []domain.Transaction
	// Previews holds installment rows excluded from their period's total
	Previews []domain.Transaction
	Warnings []domain.AmbiguousGroupingWarning

	byTxn map[string]*PurchaseGroup
}

// GroupOf returns the group a transaction was assigned to
func (r *Result) GroupOf(txnID string) (*PurchaseGroup, bool) {
	g, ok := r.byTxn[txnID]
	return g, ok
}

// IsPreview reports whether a transaction was excluded as a preview
func (r *Result) IsPreview(txnID string) bool {
	g, ok := r.byTxn[txnID]
	if !ok {
		return false
	}
	preview := false
	for _, m := range g.Members {
		if m.Transaction.ID != txnID {
			continue
		}
		if m.Canonical {
			return false
		}
		preview = true
	}
	return preview
}

// Grouper applies a policy to transaction sets
type Grouper struct {
	policy Policy
	logger zerolog.Logger
}

// New creates a grouper. Pass zerolog.Nop() to disable logging.
func New(policy Policy, logger zerolog.Logger) (*Grouper, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grouping policy: %w", err)
	}
	return &Grouper{policy: policy, logger: logging.Component(logger, logging.ComponentGrouping)}, nil
}

// Policy returns the grouper's policy
func (g *Grouper) Policy() Policy { return g.policy }

// PeriodOf returns the statement period of a transaction
func PeriodOf(txn domain.Transaction) domain.Month {
	if txn.HasInvoiceMonth() {
		return txn.InvoiceMonth
	}
	return txn.MonthStr
}

// Group partitions txns into purchase groups and selects canonical rows.
// Only installment rows are grouped; every other row is its own canonical
// record.
func (g *Grouper) Group(txns []domain.Transaction) *Result {
	res := &Result{byTxn: make(map[string]*PurchaseGroup)}

	var rows []domain.Transaction
	for _, txn := range txns {
		if txn.IsInstallment {
			rows = append(rows, txn)
			continue
		}
		res.Canonical = append(res.Canonical, txn)
	}

	stems := g.stems(rows)
	sort.SliceStable(rows, func(i, j int) bool {
		pi, pj := PeriodOf(rows[i]), PeriodOf(rows[j])
		if pi != pj {
			return pi.Before(pj)
		}
		if rows[i].InstallmentPosition != rows[j].InstallmentPosition {
			return rows[i].InstallmentPosition < rows[j].InstallmentPosition
		}
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		return rows[i].ID < rows[j].ID
	})

	byKey := make(map[Key][]*PurchaseGroup)
	for _, txn := range rows {
		key := Key{AccountID: txn.AccountID, Description: stems.of(txn), Total: txn.InstallmentTotal}
		period := PeriodOf(txn)

		group, tolerant := g.match(byKey[key], txn, period)
		if group == nil {
			group = &PurchaseGroup{
				ID:        uuid.NewSHA1(groupNamespace, []byte(key.String()+"|"+txn.ID)).String(),
				Key:       key,
				periodMin: make(map[domain.Month]int),
				order:     len(res.Groups),
			}
			byKey[key] = append(byKey[key], group)
			res.Groups = append(res.Groups, group)
		}
		group.add(txn, period, tolerant)
		res.byTxn[txn.ID] = group
	}

	for _, group := range res.Groups {
		res.Warnings = append(res.Warnings, group.selectCanonical()...)
		for _, m := range group.Members {
			if m.Canonical {
				res.Canonical = append(res.Canonical, m.Transaction)
			} else {
				res.Previews = append(res.Previews, m.Transaction)
			}
		}
	}
	domain.SortTransactions(res.Canonical)
	domain.SortTransactions(res.Previews)

	for _, w := range res.Warnings {
		g.logger.Warn().
			Str(logging.FieldGroup, w.GroupID).
			Str(logging.FieldMonth, w.Period).
			Strs("transactions", w.TransactionIDs).
			Msg(w.Reason)
	}
	g.logger.Debug().
		Int("groups", len(res.Groups)).
		Int("canonical", len(res.Canonical)).
		Int("previews", len(res.Previews)).
		Msg("grouping complete")
	return res
}

// match picks the group txn joins: exact amount matches win over tolerant
// ones, then the smallest difference, the most recent group and finally the
// earliest created.
func (g *Grouper) match(candidates []*PurchaseGroup, txn domain.Transaction, period domain.Month) (*PurchaseGroup, bool) {
	var exact, tolerant []*PurchaseGroup
	for _, c := range candidates {
		if !g.open(c, txn, period) {
			continue
		}
		switch {
		case money.Equal(txn.Amount, c.lastAmount):
			exact = append(exact, c)
		case money.WithinTolerance(txn.Amount, c.lastAmount, g.policy.Tolerance):
			tolerant = append(tolerant, c)
		}
	}
	if best := pick(exact, txn.Amount); best != nil {
		return best, false
	}
	if best := pick(tolerant, txn.Amount); best != nil {
		return best, true
	}
	return nil, false
}

// open reports whether txn may continue group c. The group must have been
// observed within the lookback window, and rows of a later period must
// advance past the position last counted.
func (g *Grouper) open(c *PurchaseGroup, txn domain.Transaction, period domain.Month) bool {
	if c.lastPeriod.MonthsUntil(period) > g.policy.LookbackMonths {
		return false
	}
	if period.After(c.lastPeriod) && txn.InstallmentPosition <= c.lastCanonical {
		return false
	}
	return true
}

func pick(candidates []*PurchaseGroup, amount decimal.Decimal) *PurchaseGroup {
	var best *PurchaseGroup
	for _, c := range candidates {
		if best == nil {
			best = c
			continue
		}
		dc, db := money.Diff(amount, c.lastAmount), money.Diff(amount, best.lastAmount)
		switch {
		case dc.LessThan(db):
			best = c
		case dc.GreaterThan(db):
		case c.lastPeriod.After(best.lastPeriod):
			best = c
		case c.lastPeriod == best.lastPeriod && c.order < best.order:
			best = c
		}
	}
	return best
}

func (p *PurchaseGroup) add(txn domain.Transaction, period domain.Month, tolerant bool) {
	p.Members = append(p.Members, Member{Transaction: txn, Period: period, Tolerant: tolerant})
	p.lastAmount = txn.Amount
	if period.After(p.lastPeriod) || p.lastPeriod.IsZero() {
		p.lastPeriod = period
	}
	if lowest, ok := p.periodMin[period]; !ok || txn.InstallmentPosition < lowest {
		p.periodMin[period] = txn.InstallmentPosition
	}
	p.lastCanonical = p.periodMin[p.lastPeriod]
}

// selectCanonical marks the minimum position of each period as counted.
// Rows sharing a position within one period are reported as ambiguous.
func (p *PurchaseGroup) selectCanonical() []domain.AmbiguousGroupingWarning {
	type slot struct {
		period   domain.Month
		position int
	}
	byPeriod := make(map[domain.Month][]int)
	bySlot := make(map[slot][]int)
	for i, m := range p.Members {
		byPeriod[m.Period] = append(byPeriod[m.Period], i)
		s := slot{m.Period, m.Transaction.InstallmentPosition}
		bySlot[s] = append(bySlot[s], i)
	}

	for _, idxs := range byPeriod {
		best := -1
		for _, i := range idxs {
			if best < 0 || before(p.Members[i].Transaction, p.Members[best].Transaction) {
				best = i
			}
		}
		p.Members[best].Canonical = true
	}
	p.carryPreviews()

	var warnings []domain.AmbiguousGroupingWarning
	for s, idxs := range bySlot {
		if len(idxs) < 2 {
			continue
		}
		ids := make([]string, 0, len(idxs))
		for _, i := range idxs {
			ids = append(ids, p.Members[i].Transaction.ID)
		}
		sort.Strings(ids)
		warnings = append(warnings, domain.AmbiguousGroupingWarning{
			GroupID:        p.ID,
			GroupKey:       p.Key.String(),
			Period:         s.period.String(),
			Position:       s.position,
			Reason:         ReasonDuplicatePosition,
			TransactionIDs: ids,
		})
	}
	sort.Slice(warnings, func(i, j int) bool {
		if warnings[i].Period != warnings[j].Period {
			return warnings[i].Period < warnings[j].Period
		}
		return warnings[i].Position < warnings[j].Position
	})

	sort.SliceStable(p.Members, func(i, j int) bool {
		a, b := p.Members[i], p.Members[j]
		if a.Period != b.Period {
			return a.Period.Before(b.Period)
		}
		return before(a.Transaction, b.Transaction)
	})
	return warnings
}

// carryPreviews fills a position skipped between consecutive periods. When a
// statement repeats the purchase date and amount, its real row k/N has the
// fingerprint of the k/N preview printed a month earlier and is deduplicated
// at ingest, leaving (k+1)/N as the period's lowest row. The earlier preview
// then stands in for the missing charge and the period's own row goes back
// to being a preview.
func (p *PurchaseGroup) carryPreviews() {
	canon := make(map[domain.Month]int)
	for i, m := range p.Members {
		if m.Canonical {
			canon[m.Period] = i
		}
	}
	periods := make([]domain.Month, 0, len(canon))
	for period := range canon {
		periods = append(periods, period)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Before(periods[j]) })
	if len(periods) < 2 {
		return
	}

	last := p.Members[canon[periods[0]]].Transaction.InstallmentPosition
	for k := 1; k < len(periods); k++ {
		period := periods[k]
		ci := canon[period]
		pos := p.Members[ci].Transaction.InstallmentPosition
		if pos > last+1 && period == periods[k-1].AddMonths(1) {
			if si := p.previewAt(last+1, period); si >= 0 {
				txn := p.Members[si].Transaction
				txn.InvoiceMonth = period
				p.Members[ci].Canonical = false
				p.Members = append(p.Members, Member{
					Transaction: txn,
					Period:      period,
					Canonical:   true,
					Tolerant:    p.Members[si].Tolerant,
					Carried:     true,
				})
				last++
				continue
			}
		}
		last = pos
	}
}

// previewAt returns the index of the latest preview at position billed
// before period, or -1
func (p *PurchaseGroup) previewAt(position int, period domain.Month) int {
	found := -1
	for i, m := range p.Members {
		if m.Canonical || m.Carried || !m.Period.Before(period) {
			continue
		}
		if m.Transaction.InstallmentPosition != position || !m.Transaction.HasInvoiceMonth() {
			continue
		}
		if found < 0 || p.Members[found].Period.Before(m.Period) ||
			(p.Members[found].Period == m.Period && before(m.Transaction, p.Members[found].Transaction)) {
			found = i
		}
	}
	return found
}

// before orders rows by position, then date, then ID
func before(a, b domain.Transaction) bool {
	if a.InstallmentPosition != b.InstallmentPosition {
		return a.InstallmentPosition < b.InstallmentPosition
	}
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	return a.ID < b.ID
}

// stemIndex maps a row to its grouping description after drift folding
type stemIndex map[string]map[string]string

func (s stemIndex) of(txn domain.Transaction) string {
	if m, ok := s[bucket(txn)]; ok {
		if stem, ok := m[txn.Description]; ok {
			return stem
		}
	}
	return txn.Description
}

func bucket(txn domain.Transaction) string {
	return fmt.Sprintf("%s|%d", txn.AccountID, txn.InstallmentTotal)
}

// stems folds descriptions that extend another observed description of the
// same account and installment total, e.g. a qualifier suffix printed only
// on the first occurrence. The stem must itself be observed and carry at
// least MinStemTokens tokens; otherwise the description is kept as is.
func (g *Grouper) stems(rows []domain.Transaction) stemIndex {
	observed := make(map[string]map[string][]string)
	for _, txn := range rows {
		b := bucket(txn)
		if observed[b] == nil {
			observed[b] = make(map[string][]string)
		}
		observed[b][txn.Description] = installment.Tokens(txn.Description)
	}

	index := make(stemIndex)
	for b, descs := range observed {
		for desc, tokens := range descs {
			stem := ""
			stemLen := 0
			for other, otherTokens := range descs {
				if other == desc || len(otherTokens) < g.policy.MinStemTokens || len(otherTokens) >= len(tokens) {
					continue
				}
				if !hasPrefix(tokens, otherTokens) {
					continue
				}
				if stem == "" || len(otherTokens) < stemLen || (len(otherTokens) == stemLen && other < stem) {
					stem, stemLen = other, len(otherTokens)
				}
			}
			if stem == "" {
				continue
			}
			if index[b] == nil {
				index[b] = make(map[string]string)
			}
			index[b][desc] = stem
		}
	}
	return index
}

func hasPrefix(tokens, prefix []string) bool {
	if len(prefix) > len(tokens) {
		return false
	}
	return strings.Join(tokens[:len(prefix)], " ") == strings.Join(prefix, " ")
}
