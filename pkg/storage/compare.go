package storage

import (
	"time"
)

// Compare orders two document values of the same kind. Numbers compare
// numerically regardless of their Go type, strings lexically, times
// chronologically and false before true. Values of different kinds compare
// by kind so that a sort over mixed data is still total.
func Compare(a, b interface{}) int {
	ka, kb := kind(a), kind(b)
	if ka != kb {
		return ka - kb
	}
	switch ka {
	case kindNumber:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case kindString:
		sa, sb := a.(string), b.(string)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	case kindTime:
		return a.(time.Time).Compare(b.(time.Time))
	case kindBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	}
	return 0
}

// Matches reports whether value satisfies the filter.
func (f Filter) Matches(value interface{}, present bool) bool {
	if !present {
		return false
	}
	if kind(value) != kind(f.Value) {
		return false
	}
	c := Compare(value, f.Value)
	switch f.Op {
	case OpEqual:
		return c == 0
	case OpLess:
		return c < 0
	case OpLessOrEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterOrEqual:
		return c >= 0
	}
	return false
}

const (
	kindNil = iota
	kindBool
	kindNumber
	kindString
	kindTime
	kindOther
)

func kind(v interface{}) int {
	switch v.(type) {
	case nil:
		return kindNil
	case bool:
		return kindBool
	case int, int32, int64, float32, float64:
		return kindNumber
	case string:
		return kindString
	case time.Time:
		return kindTime
	}
	return kindOther
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
