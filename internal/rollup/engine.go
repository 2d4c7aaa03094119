// Package rollup recomputes the derived cost, revenue and yield totals of crop
// cycle subtrees.
package rollup

import (
	"math"

	"github.com/shopspring/decimal"

	"fieldops/internal/tree"
	"fieldops/pkg/domain"
)

var hundred = decimal.NewFromInt(100)

// Engine is a pure post-order reducer over bloc trees. Revenue comes from an
// external feed that the engine only reads.
type Engine struct {
	revenue domain.RevenueFeed
}

// NewEngine returns an engine reading revenue from feed. A nil feed means no
// revenue for any cycle.
func NewEngine(feed domain.RevenueFeed) *Engine {
	if feed == nil {
		feed = domain.StaticRevenue(nil)
	}
	return &Engine{revenue: feed}
}

// Reduce recomputes the cycle with the given id, or every cycle for
// tree.AllCycles, and returns the new bloc root. Nodes whose derived values do
// not change keep their pointers, so reducing an already consistent tree returns
// the same root.
func (e *Engine) Reduce(bloc *tree.Node, cycleID string) *tree.Node {
	b, ok := bloc.Record.(domain.Bloc)
	if !ok {
		return bloc
	}
	var children []*tree.Node
	for i, c := range bloc.Children {
		if cycleID != tree.AllCycles && c.ID() != cycleID {
			continue
		}
		next := e.reduceCycle(c, b.AreaHectares)
		if next == c {
			continue
		}
		if children == nil {
			children = make([]*tree.Node, len(bloc.Children))
			copy(children, bloc.Children)
		}
		children[i] = next
	}
	if children == nil {
		return bloc
	}
	return tree.NewNode(bloc.Record, children...)
}

// Totals aggregates a cycle subtree without touching it.
func (e *Engine) Totals(cycle *tree.Node, blocArea float64) domain.CycleTotals {
	c, ok := e.reduceCycle(cycle, blocArea).Record.(domain.CropCycle)
	if !ok {
		return domain.CycleTotals{}
	}
	return c.Totals
}

func (e *Engine) reduceCycle(n *tree.Node, blocArea float64) *tree.Node {
	cycle, ok := n.Record.(domain.CropCycle)
	if !ok {
		return n
	}
	children, changed := reduceChildren(n.Children, reduceOperation)

	estimated, actual := decimal.Zero, decimal.Zero
	for _, child := range children {
		op, ok := child.Record.(domain.FieldOperation)
		if !ok {
			continue
		}
		estimated = estimated.Add(op.EstimatedCost)
		actual = actual.Add(op.ActualCost)
	}
	revenue := decimal.Zero
	var tons float64
	for _, entry := range e.revenue.RevenueEntries(cycle.ID) {
		revenue = revenue.Add(entry.Amount)
		tons += entry.Tons
	}
	totals := cycleTotals(estimated, actual, revenue, tons, blocArea, cycle.ExpectedYieldTonsPerHa)

	if !changed && totals.Equal(cycle.Totals) {
		return n
	}
	cycle.Totals = totals
	return tree.NewNode(cycle, children...)
}

func cycleTotals(estimated, actual, revenue decimal.Decimal, tons, area, expectedPerHa float64) domain.CycleTotals {
	net := revenue.Sub(actual)
	t := domain.CycleTotals{
		EstimatedTotalCost:     estimated.Round(2),
		ActualTotalCost:        actual.Round(2),
		TotalRevenue:           revenue.Round(2),
		NetProfit:              net.Round(2),
		ProfitPerHectare:       decimal.Zero,
		ProfitMarginPercent:    decimal.Zero,
		ExpectedTotalYieldTons: round2(expectedPerHa * area),
		ActualYieldTons:        round2(tons),
	}
	if area > 0 {
		t.ProfitPerHectare = net.Div(decimal.NewFromFloat(area)).Round(2)
		t.ActualYieldTonsPerHa = round2(tons / area)
	}
	if revenue.IsPositive() {
		t.ProfitMarginPercent = net.Mul(hundred).Div(revenue).Round(2)
	}
	return t
}

func reduceOperation(n *tree.Node) *tree.Node {
	op, ok := n.Record.(domain.FieldOperation)
	if !ok {
		return n
	}
	children, changed := reduceChildren(n.Children, reduceWorkPackage)
	estimated, actual := sumLines(op.LineItems)
	for _, child := range children {
		wp, ok := child.Record.(domain.WorkPackage)
		if !ok {
			continue
		}
		estimated = estimated.Add(wp.EstimatedCost)
		actual = actual.Add(wp.ActualCost)
	}
	if !changed && estimated.Equal(op.EstimatedCost) && actual.Equal(op.ActualCost) {
		return n
	}
	op.EstimatedCost, op.ActualCost = estimated, actual
	return tree.NewNode(op, children...)
}

func reduceWorkPackage(n *tree.Node) *tree.Node {
	wp, ok := n.Record.(domain.WorkPackage)
	if !ok {
		return n
	}
	estimated, actual := sumLines(wp.LineItems)
	quantity := wp.PlannedArea * wp.Rate
	if estimated.Equal(wp.EstimatedCost) && actual.Equal(wp.ActualCost) && quantity == wp.Quantity {
		return n
	}
	wp.EstimatedCost, wp.ActualCost, wp.Quantity = estimated, actual, quantity
	return tree.NewNode(wp, n.Children...)
}

// reduceChildren applies fn to every child and copies the slice only when a
// child changed. Children of an unexpected kind are passed through.
func reduceChildren(in []*tree.Node, fn func(*tree.Node) *tree.Node) ([]*tree.Node, bool) {
	var out []*tree.Node
	for i, c := range in {
		next := fn(c)
		if next == c {
			continue
		}
		if out == nil {
			out = make([]*tree.Node, len(in))
			copy(out, in)
		}
		out[i] = next
	}
	if out == nil {
		return in, false
	}
	return out, true
}

func sumLines(items []domain.LineItem) (decimal.Decimal, decimal.Decimal) {
	estimated, actual := decimal.Zero, decimal.Zero
	for _, item := range items {
		estimated = estimated.Add(item.EstimatedCost)
		actual = actual.Add(item.ActualCost)
	}
	return estimated, actual
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
