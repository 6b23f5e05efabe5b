package transform

import (
	"math"

	"github.com/cockroachdb/apd/v3"

	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Scale multiplies a numeric value by ratio. Expressions and non-numeric
// values are returned unchanged. Int results that overflow become Long.
func Scale(v value.Value, ratio int64) value.Value {
	switch v.Type() {
	case value.TypeInt, value.TypeLong:
		n, _ := v.AsLong()
		if ratio != 0 && (n > math.MaxInt64/ratio || n < math.MinInt64/ratio) {
			return scaleDecimal(v, ratio, false)
		}
		return sameWidth(v.Type(), n*ratio)
	case value.TypeDecimal:
		return scaleDecimal(v, ratio, false)
	}
	return v
}

// Unscale divides a numeric value by ratio, rounding down. A positive input
// never scales below 1. Expressions and non-numeric values are returned unchanged.
func Unscale(v value.Value, ratio int64) value.Value {
	if ratio == 0 {
		return v
	}
	switch v.Type() {
	case value.TypeInt, value.TypeLong:
		n, _ := v.AsLong()
		q := n / ratio
		if n > 0 && q == 0 {
			q = 1
		}
		return sameWidth(v.Type(), q)
	case value.TypeDecimal:
		return scaleDecimal(v, ratio, true)
	}
	return v
}

func sameWidth(t value.Type, n int64) value.Value {
	if t == value.TypeInt && n >= math.MinInt32 && n <= math.MaxInt32 {
		return value.Int(int32(n))
	}
	return value.Long(n)
}

func scaleDecimal(v value.Value, ratio int64, divide bool) value.Value {
	d, err := v.AsDecimal()
	if err != nil {
		return v
	}
	r := apd.New(ratio, 0)
	out := new(apd.Decimal)
	if divide {
		_, err = apd.BaseContext.WithPrecision(34).Quo(out, d, r)
	} else {
		_, err = apd.BaseContext.WithPrecision(34).Mul(out, d, r)
	}
	if err != nil {
		return v
	}
	return value.Decimal(out)
}
