package builtin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cockroachdb/apd/v3"

	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/plugin"
)

// decimalContext has enough precision for exact sums of typical amounts.
var decimalContext = apd.BaseContext.WithPrecision(34)

// collect counts a batch and, when "sum" names a field, adds it up
// exactly. The output row has "count" and, with a sum field, "sum" as a
// decimal.
type collect struct {
	sum string
}

func newCollect(cfg ir.IRObject) (plugin.Plugin, error) {
	sum, err := optString(cfg, "sum", "")
	if err != nil {
		return nil, err
	}
	return &collect{sum: sum}, nil
}

func (c *collect) Name() string { return "collect" }

func (c *collect) Aggregate(_ context.Context, rows []ir.Row, _ plugin.Context) plugin.Result {
	out := ir.Row{"count": int64(len(rows))}
	if c.sum == "" {
		return plugin.Success(out)
	}
	total := new(apd.Decimal)
	for i, row := range rows {
		d, err := toDecimal(row[c.sum])
		if err != nil {
			return plugin.Failure("collect_bad_value", fmt.Sprintf("row %d field %q: %v", i, c.sum, err), false)
		}
		if _, err := decimalContext.Add(total, total, d); err != nil {
			return plugin.Failure("collect_overflow", err.Error(), false)
		}
	}
	out["sum"] = total
	return plugin.Success(out)
}

func toDecimal(v any) (*apd.Decimal, error) {
	switch val := v.(type) {
	case *apd.Decimal:
		return val, nil
	case int64:
		return apd.New(val, 0), nil
	case float64:
		d, _, err := apd.NewFromString(strconv.FormatFloat(val, 'g', -1, 64))
		return d, err
	case string:
		d, _, err := apd.NewFromString(val)
		return d, err
	default:
		return nil, fmt.Errorf("cannot sum %T", v)
	}
}
