package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// AllocationStrategy selects the order open obligations are filled when
// one tendered amount is split across several of them.
type AllocationStrategy string

const (
	AllocateOldestFirst    AllocationStrategy = "oldest_first"
	AllocateDueDate        AllocationStrategy = "due_date"
	AllocateBiggestFirst   AllocationStrategy = "biggest_remaining"
	AllocateProportionally AllocationStrategy = "proportional"
)

var defaultCurrencyStep = decimal.RequireFromString("0.01")

// AllocationDoc is one open obligation offered to the allocator.
type AllocationDoc struct {
	ObligationID int64
	Date         time.Time
	DueDate      time.Time
	Remaining    float64
}

// AllocationRow is the planned amount for one obligation.
type AllocationRow struct {
	ObligationID int64
	Amount       float64
}

// AllocationPlan is the result envelope: what was asked for, what could
// be placed, and what is left over.
type AllocationPlan struct {
	RequestedTotal float64
	AllocatedTotal float64
	Unallocated    float64
	Rows           []AllocationRow
}

// AllocationRequest configures a split. Overrides pin an obligation at a
// fixed amount (capped to its remaining and the pool) before the
// strategy fills the rest. CurrencyStep defaults to 0.01.
type AllocationRequest struct {
	Amount       float64
	Docs         []AllocationDoc
	Strategy     AllocationStrategy
	CurrencyStep float64
	Overrides    map[int64]float64
}

type allocWork struct {
	doc    AllocationDoc
	alloc  decimal.Decimal
	rem    decimal.Decimal
	locked bool
}

// Allocate splits one amount across open obligations. Pure function, no
// storage access; rounding is decimal and deterministic, rounding down
// during the spread so the plan never exceeds the pool, then topping up
// whole steps in strategy order until the pool is exhausted.
func Allocate(req AllocationRequest) AllocationPlan {
	step := stepQuant(req.CurrencyStep)
	requested := decimal.NewFromFloat(req.Amount)
	if requested.IsNegative() {
		requested = decimal.Zero
	}

	var work []*allocWork
	for _, d := range req.Docs {
		if d.Remaining <= 0 {
			continue
		}
		work = append(work, &allocWork{doc: d, rem: decimal.NewFromFloat(d.Remaining)})
	}

	plan := AllocationPlan{RequestedTotal: fl(requested)}
	if requested.IsZero() || len(work) == 0 {
		plan.Unallocated = fl(requested)
		return plan
	}

	pool := requested

	// Pinned rows first.
	if len(req.Overrides) > 0 {
		byID := make(map[int64]*allocWork, len(work))
		for _, w := range work {
			byID[w.doc.ObligationID] = w
		}
		ids := make([]int64, 0, len(req.Overrides))
		for id := range req.Overrides {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			w, ok := byID[id]
			if !ok {
				continue
			}
			v := decimal.NewFromFloat(req.Overrides[id])
			if v.IsNegative() {
				continue
			}
			v = decimal.Min(v, w.rem.Sub(w.alloc), pool)
			v = roundDownStep(v, step)
			if !v.IsPositive() {
				continue
			}
			w.alloc = w.alloc.Add(v)
			w.locked = true
			pool = pool.Sub(v)
			if !pool.IsPositive() {
				pool = decimal.Zero
				break
			}
		}
	}

	sortWork(work, req.Strategy)

	if req.Strategy == AllocateProportionally && pool.IsPositive() {
		var unlocked []*allocWork
		totalRem := decimal.Zero
		for _, w := range work {
			if w.locked {
				continue
			}
			if head := w.rem.Sub(w.alloc); head.IsPositive() {
				unlocked = append(unlocked, w)
				totalRem = totalRem.Add(head)
			}
		}
		if totalRem.IsPositive() {
			spent := decimal.Zero
			for _, w := range unlocked {
				head := w.rem.Sub(w.alloc)
				want := pool.Mul(head).Div(totalRem)
				want = decimal.Min(want, head)
				want = roundDownStep(want, step)
				if want.IsPositive() {
					w.alloc = w.alloc.Add(want)
					spent = spent.Add(want)
				}
			}
			pool = pool.Sub(spent)
		}
	} else {
		for _, w := range work {
			if !pool.IsPositive() {
				break
			}
			if w.locked {
				continue
			}
			head := w.rem.Sub(w.alloc)
			if !head.IsPositive() {
				continue
			}
			want := roundDownStep(decimal.Min(head, pool), step)
			if !want.IsPositive() {
				continue
			}
			w.alloc = w.alloc.Add(want)
			pool = pool.Sub(want)
		}
	}

	// Hand out remaining whole steps to rows that still have headroom,
	// in strategy order, so rounding residue never strands money that
	// could be placed.
	for pool.GreaterThanOrEqual(step) {
		topped := false
		for _, w := range work {
			if pool.LessThan(step) {
				break
			}
			if w.rem.Sub(w.alloc).GreaterThanOrEqual(step) {
				w.alloc = w.alloc.Add(step)
				pool = pool.Sub(step)
				topped = true
			}
		}
		if !topped {
			break
		}
	}

	allocated := decimal.Zero
	for _, w := range work {
		if !w.alloc.IsPositive() {
			continue
		}
		allocated = allocated.Add(w.alloc)
		plan.Rows = append(plan.Rows, AllocationRow{
			ObligationID: w.doc.ObligationID,
			Amount:       fl(w.alloc),
		})
	}
	plan.AllocatedTotal = fl(allocated)
	plan.Unallocated = fl(requested.Sub(allocated))
	return plan
}

func sortWork(work []*allocWork, strategy AllocationStrategy) {
	switch strategy {
	case AllocateBiggestFirst:
		sort.SliceStable(work, func(i, j int) bool {
			if !work[i].rem.Equal(work[j].rem) {
				return work[i].rem.GreaterThan(work[j].rem)
			}
			if !work[i].doc.Date.Equal(work[j].doc.Date) {
				return work[i].doc.Date.Before(work[j].doc.Date)
			}
			return work[i].doc.ObligationID < work[j].doc.ObligationID
		})
	case AllocateDueDate:
		sort.SliceStable(work, func(i, j int) bool {
			di, dj := work[i].doc.DueDate, work[j].doc.DueDate
			if di.IsZero() {
				di = work[i].doc.Date
			}
			if dj.IsZero() {
				dj = work[j].doc.Date
			}
			if !di.Equal(dj) {
				return di.Before(dj)
			}
			return work[i].doc.ObligationID < work[j].doc.ObligationID
		})
	default: // oldest first, also the residue order for proportional
		sort.SliceStable(work, func(i, j int) bool {
			if !work[i].doc.Date.Equal(work[j].doc.Date) {
				return work[i].doc.Date.Before(work[j].doc.Date)
			}
			return work[i].doc.ObligationID < work[j].doc.ObligationID
		})
	}
}

func stepQuant(step float64) decimal.Decimal {
	d := decimal.NewFromFloat(step)
	if !d.IsPositive() {
		return defaultCurrencyStep
	}
	return d
}

// roundDownStep floors x to a whole multiple of step.
func roundDownStep(x, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return x
	}
	return x.Div(step).Floor().Mul(step)
}

// RoundToStep rounds x to the nearest multiple of step, half away from
// zero, the typical financial rounding.
func RoundToStep(x, step float64) float64 {
	q := stepQuant(step)
	d := decimal.NewFromFloat(x)
	return fl(d.Div(q).Round(0).Mul(q))
}

// RoundDownToStep floors x to a whole multiple of step.
func RoundDownToStep(x, step float64) float64 {
	return fl(roundDownStep(decimal.NewFromFloat(x), stepQuant(step)))
}

func fl(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
