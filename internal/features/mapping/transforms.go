package mapping

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/now"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"

	"go-crm-sync/internal/common/crmerrors"
)

type transformFunc func(value any, opts map[string]string, dir Direction) (any, error)

// transforms is the fixed registry of named coercions. Mapping configs can
// only reference these names.
var transforms = map[string]transformFunc{
	"trim":      trimTransform,
	"lowercase": lowercaseTransform,
	"uppercase": uppercaseTransform,
	"email":     emailTransform,
	"phone":     phoneTransform,
	"picklist":  picklistTransform,
	"currency":  currencyTransform,
	"number":    numberTransform,
	"boolean":   booleanTransform,
	"date":      dateTransform,
	"datetime":  datetimeTransform,
}

// Transforms lists the registered transform names.
func Transforms() []string {
	names := make([]string, 0, len(transforms))
	for name := range transforms {
		names = append(names, name)
	}
	return names
}

func trimTransform(v any, _ map[string]string, _ Direction) (any, error) {
	return strings.TrimSpace(toString(v)), nil
}

func lowercaseTransform(v any, _ map[string]string, _ Direction) (any, error) {
	return strings.ToLower(strings.TrimSpace(toString(v))), nil
}

func uppercaseTransform(v any, _ map[string]string, _ Direction) (any, error) {
	return strings.ToUpper(strings.TrimSpace(toString(v))), nil
}

func emailTransform(v any, _ map[string]string, _ Direction) (any, error) {
	s := strings.ToLower(strings.TrimSpace(toString(v)))
	at := strings.Index(s, "@")
	if at <= 0 || at != strings.LastIndex(s, "@") || !strings.Contains(s[at+1:], ".") || strings.ContainsAny(s, " \t") {
		return nil, crmerrors.Validation("invalid email %q", s)
	}
	return s, nil
}

func phoneTransform(v any, opts map[string]string, _ Direction) (any, error) {
	region := strings.ToUpper(opts["region"])
	if region == "" {
		region = "US"
	}
	num, err := libphonenumber.Parse(toString(v), region)
	if err != nil {
		return nil, crmerrors.Validation("invalid phone number: %v", err)
	}
	if !libphonenumber.IsValidNumber(num) {
		return nil, crmerrors.Validation("invalid phone number for region %s", region)
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}

// toCRMPrefix marks a picklist option that pins the CRM value written for a
// local value, as in "to_crm:new": "Open - Not Contacted".
const toCRMPrefix = "to_crm:"

// picklistTransform maps CRM values to local values through opts. The table
// is inverted when writing to the CRM: a "to_crm:<local>" option wins,
// otherwise the lexically smallest CRM value mapping to the local value is
// used. Unlisted values pass through.
func picklistTransform(v any, opts map[string]string, dir Direction) (any, error) {
	s := strings.TrimSpace(toString(v))
	if dir == FromCRM {
		if mapped, ok := opts[s]; ok && !strings.HasPrefix(s, toCRMPrefix) {
			return mapped, nil
		}
		return s, nil
	}
	if pinned, ok := opts[toCRMPrefix+s]; ok {
		return pinned, nil
	}
	var candidates []string
	for crmValue, localValue := range opts {
		if localValue == s && !strings.HasPrefix(crmValue, toCRMPrefix) {
			candidates = append(candidates, crmValue)
		}
	}
	if len(candidates) == 0 {
		return s, nil
	}
	sort.Strings(candidates)
	return candidates[0], nil
}

// currencyTransform rounds to two places. Local values are kept as fixed
// point strings, CRM payloads get JSON numbers.
func currencyTransform(v any, _ map[string]string, dir Direction) (any, error) {
	d, err := toDecimal(v)
	if err != nil {
		return nil, err
	}
	d = d.Round(2)
	if dir == ToCRM {
		return d.InexactFloat64(), nil
	}
	return d.StringFixed(2), nil
}

func numberTransform(v any, _ map[string]string, _ Direction) (any, error) {
	d, err := toDecimal(v)
	if err != nil {
		return nil, err
	}
	return d.InexactFloat64(), nil
}

func booleanTransform(v any, _ map[string]string, _ Direction) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	}
	switch strings.ToLower(strings.TrimSpace(toString(v))) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	}
	return nil, crmerrors.Validation("invalid boolean %q", toString(v))
}

func dateTransform(v any, _ map[string]string, _ Direction) (any, error) {
	t, err := toTime(v)
	if err != nil {
		return nil, err
	}
	return t.Format("2006-01-02"), nil
}

func datetimeTransform(v any, _ map[string]string, _ Direction) (any, error) {
	t, err := toTime(v)
	if err != nil {
		return nil, err
	}
	return t.UTC().Format(time.RFC3339), nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700", // Salesforce
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseReference anchors partial inputs so parsing never depends on the clock.
var parseReference = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case float64:
		return epochMillis(int64(t)), nil
	case int64:
		return epochMillis(t), nil
	}
	s := strings.TrimSpace(toString(v))
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	// HubSpot reports some timestamps as epoch milliseconds.
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) >= 12 {
		return epochMillis(ms), nil
	}
	t, err := now.New(parseReference).Parse(s)
	if err != nil {
		return time.Time{}, crmerrors.Validation("invalid date %q", s)
	}
	return t, nil
}

func epochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case float64:
		return decimal.NewFromFloat(t), nil
	case float32:
		return decimal.NewFromFloat32(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	}
	s := strings.TrimSpace(toString(v))
	s = strings.TrimPrefix(strings.ReplaceAll(s, ",", ""), "$")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, crmerrors.Validation("invalid number %q", toString(v))
	}
	return d, nil
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}
