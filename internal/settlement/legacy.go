package settlement

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agentpay/mandatelane/internal/store"
	"github.com/agentpay/mandatelane/pkg/ap2"
)

// Older mandate producers omitted the structured items list and encoded
// quantity in the display label, e.g. "Pikachu (x3)". This decoder exists
// for those mandates only; it resolves products by name and fails loudly
// on any label it cannot parse rather than guessing a quantity.
var legacyLabelRE = regexp.MustCompile(`^(.+) \(x(\d+)\)$`)

func (e *Engine) decodeLegacyLines(ctx context.Context, displayItems []ap2.DisplayItem) ([]store.LineItem, error) {
	if len(displayItems) == 0 {
		return nil, fmt.Errorf("%w: no structured items and no display items", ErrUnparsableLineItems)
	}

	lines := make([]store.LineItem, 0, len(displayItems))
	for _, d := range displayItems {
		name, qty, err := parseLegacyLabel(d.Label)
		if err != nil {
			return nil, err
		}
		p, err := e.store.GetProductByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: label %q: %v", ErrUnparsableLineItems, d.Label, err)
		}
		lines = append(lines, store.LineItem{
			ProductID: p.ID,
			Quantity:  qty,
			UnitPrice: d.Amount.Value.Div(decimal.NewFromInt(int64(qty))),
		})
	}
	return lines, nil
}

func parseLegacyLabel(label string) (name string, qty int, err error) {
	m := legacyLabelRE.FindStringSubmatch(strings.TrimSpace(label))
	if m == nil {
		return "", 0, fmt.Errorf("%w: label %q has no (xN) quantity marker", ErrUnparsableLineItems, label)
	}
	qty, err = strconv.Atoi(m[2])
	if err != nil || qty <= 0 {
		return "", 0, fmt.Errorf("%w: label %q has non-positive quantity", ErrUnparsableLineItems, label)
	}
	return m[1], qty, nil
}
