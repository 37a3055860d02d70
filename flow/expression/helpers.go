package expression

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ToNumber coerces v to a float64. Strings are parsed, booleans map to 0/1.
func ToNumber(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
}

// ToInt coerces v to an int, truncating fractions.
func ToInt(v any) (int, error) {
	f, err := ToNumber(v)
	if err != nil {
		return 0, err
	}
	return int(math.Trunc(f)), nil
}

// ToString renders v as text: scalars in their natural form, composites as
// JSON, times as RFC 3339.
func ToString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case time.Time:
		return s.Format(time.RFC3339)
	case json.Number:
		return s.String()
	case error:
		return s.Error()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// ToBool converts v to a boolean: recognized false forms are nil, false, 0,
// "", "false", "0", "no", "off".
func ToBool(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "", "false", "0", "no", "off":
			return false
		}
		return true
	default:
		f, err := ToNumber(v)
		if err != nil {
			return true
		}
		return f != 0
	}
}

// Truthy applies boolean-context coercion for If/Switch routing: nil,
// false, zero, NaN, and the empty string are false; everything else true.
func Truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	case float64:
		return b != 0 && !math.IsNaN(b)
	case int:
		return b != 0
	case int64:
		return b != 0
	default:
		return true
	}
}

// ToTime coerces v to a time.Time. Strings try RFC 3339 and common date
// forms; numbers are unix seconds (milliseconds when large enough).
func ToTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range []string{
			time.RFC3339Nano, time.RFC3339,
			"2006-01-02 15:04:05", "2006-01-02",
		} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as date", t)
	default:
		f, err := ToNumber(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot convert %T to date", v)
		}
		if f > 1e12 { // epoch milliseconds
			return time.UnixMilli(int64(f)).UTC(), nil
		}
		return time.Unix(int64(f), 0).UTC(), nil
	}
}

const maxPatternLen = 1000

// staticHelpers are the clock-independent built-ins, constructed once.
var staticHelpers = map[string]any{
	"toNumber":  ToNumber,
	"toInt":     ToInt,
	"toString":  func(v any) string { return ToString(v) },
	"toBoolean": func(v any) bool { return ToBool(v) },
	"toDate":    ToTime,

	"toUpper": func(v any) string { return strings.ToUpper(ToString(v)) },
	"toLower": func(v any) string { return strings.ToLower(ToString(v)) },
	"trim":    func(v any) string { return strings.TrimSpace(ToString(v)) },
	"substring": func(v, start, end any) (string, error) {
		runes := []rune(ToString(v))
		s, err := ToInt(start)
		if err != nil {
			return "", err
		}
		e, err := ToInt(end)
		if err != nil {
			return "", err
		}
		s = clamp(s, 0, len(runes))
		e = clamp(e, s, len(runes))
		return string(runes[s:e]), nil
	},
	"replace": func(v, old, new any) string {
		return strings.ReplaceAll(ToString(v), ToString(old), ToString(new))
	},
	"split": func(v, sep any) []string {
		return strings.Split(ToString(v), ToString(sep))
	},
	// contains, startsWith and endsWith are infix operators in the engine
	// grammar ("a" contains "b"); the names are reserved words and cannot
	// be bound as functions here.
	"length": func(v any) int {
		switch x := v.(type) {
		case nil:
			return 0
		case string:
			return utf8.RuneCountInString(x)
		case []any:
			return len(x)
		case map[string]any:
			return len(x)
		default:
			return utf8.RuneCountInString(ToString(v))
		}
	},
	"regexMatch": func(v, pattern any) (bool, error) {
		p := ToString(pattern)
		if len(p) > maxPatternLen {
			return false, fmt.Errorf("regex pattern longer than %d", maxPatternLen)
		}
		return regexp.MatchString(p, ToString(v))
	},

	"round": func(v any) (float64, error) { return mathOp(v, math.Round) },
	"floor": func(v any) (float64, error) { return mathOp(v, math.Floor) },
	"ceil":  func(v any) (float64, error) { return mathOp(v, math.Ceil) },
	"abs":   func(v any) (float64, error) { return mathOp(v, math.Abs) },
	"min":   func(vs ...any) (float64, error) { return fold(vs, math.Min) },
	"max":   func(vs ...any) (float64, error) { return fold(vs, math.Max) },
	"random": func() float64 {
		return rand.Float64()
	},

	"formatDate": func(v, layout any) (string, error) {
		t, err := ToTime(v)
		if err != nil {
			return "", err
		}
		return t.Format(translateLayout(ToString(layout))), nil
	},
	"addDays": func(v, n any) (time.Time, error) { return addUnits(v, n, 24*time.Hour) },
	"addHours": func(v, n any) (time.Time, error) {
		return addUnits(v, n, time.Hour)
	},
	"addMinutes": func(v, n any) (time.Time, error) {
		return addUnits(v, n, time.Minute)
	},
	"year": func(v any) (int, error) {
		t, err := ToTime(v)
		if err != nil {
			return 0, err
		}
		return t.Year(), nil
	},
	"month": func(v any) (int, error) {
		t, err := ToTime(v)
		if err != nil {
			return 0, err
		}
		return int(t.Month()), nil
	},
	"day": func(v any) (int, error) {
		t, err := ToTime(v)
		if err != nil {
			return 0, err
		}
		return t.Day(), nil
	},

	"parseJson": func(v any) (any, error) {
		var out any
		if err := json.Unmarshal([]byte(ToString(v)), &out); err != nil {
			return nil, fmt.Errorf("parseJson: %w", err)
		}
		return out, nil
	},
	"toJson": func(v any) (string, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("toJson: %w", err)
		}
		return string(raw), nil
	},
	"getJsonProperty": func(v, path any) any {
		return jsonProperty(v, ToString(path))
	},

	"isEmpty": func(v any) bool {
		switch x := v.(type) {
		case nil:
			return true
		case string:
			return x == ""
		case []any:
			return len(x) == 0
		case map[string]any:
			return len(x) == 0
		}
		return false
	},
	"isNull":      func(v any) bool { return v == nil },
	"arrayLength": arrayLength,
	"defaultValue": func(v, fallback any) any {
		switch x := v.(type) {
		case nil:
			return fallback
		case string:
			if x == "" {
				return fallback
			}
		}
		return v
	},
	"uuid":         uuid.NewString,
	"base64Encode": func(v any) string { return base64.StdEncoding.EncodeToString([]byte(ToString(v))) },
	"base64Decode": func(v any) (string, error) {
		raw, err := base64.StdEncoding.DecodeString(ToString(v))
		if err != nil {
			return "", fmt.Errorf("base64Decode: %w", err)
		}
		return string(raw), nil
	},
}

// builtinOverrides lists engine builtins shadowed by the helper module so
// the helpers above (with their coercion and Clock behavior) always win.
var builtinOverrides = []string{
	"trim", "split", "replace", "round", "floor", "ceil", "abs",
	"min", "max", "now",
}

func mathOp(v any, op func(float64) float64) (float64, error) {
	f, err := ToNumber(v)
	if err != nil {
		return 0, err
	}
	return op(f), nil
}

func fold(vs []any, op func(a, b float64) float64) (float64, error) {
	if len(vs) == 0 {
		return 0, fmt.Errorf("need at least one value")
	}
	acc, err := ToNumber(vs[0])
	if err != nil {
		return 0, err
	}
	for _, v := range vs[1:] {
		f, err := ToNumber(v)
		if err != nil {
			return 0, err
		}
		acc = op(acc, f)
	}
	return acc, nil
}

func addUnits(v, n any, unit time.Duration) (time.Time, error) {
	t, err := ToTime(v)
	if err != nil {
		return time.Time{}, err
	}
	count, err := ToInt(n)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(time.Duration(count) * unit), nil
}

func arrayLength(v any) (int, error) {
	arr, ok := v.([]any)
	if !ok {
		return 0, fmt.Errorf("arrayLength: %T is not an array", v)
	}
	return len(arr), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// jsonProperty walks a dotted path, indexing arrays by decimal segments.
// Missing segments yield nil rather than an error.
func jsonProperty(v any, path string) any {
	if path == "" {
		return v
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			cur = node[idx]
		default:
			return nil
		}
	}
	return cur
}

// layoutTokens maps date-pattern tokens to Go's reference layout. Longer
// tokens first so MM is consumed before M.
var layoutTokens = [][2]string{
	{"YYYY", "2006"}, {"yyyy", "2006"},
	{"MM", "01"}, {"DD", "02"}, {"dd", "02"},
	{"HH", "15"}, {"hh", "03"},
	{"mm", "04"}, {"ss", "05"},
}

func translateLayout(layout string) string {
	if strings.Contains(layout, "2006") {
		return layout // already a Go reference layout
	}
	out := layout
	for _, tok := range layoutTokens {
		out = strings.ReplaceAll(out, tok[0], tok[1])
	}
	return out
}
