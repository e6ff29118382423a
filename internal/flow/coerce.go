package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/meeka/internal/schema"
	"github.com/BTreeMap/meeka/internal/util"
)

// ISODate is the wire format for every date column.
const ISODate = "2006-01-02"

var dateLayouts = []string{
	ISODate,
	"2006/01/02",
	"2 January 2006",
	"2 Jan 2006",
	"January 2 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"Jan 2, 2006",
}

var leadingInt = regexp.MustCompile(`^\s*(-?\d+)\s*(?:/\s*5|out of 5)?\s*$`)

// CoercionError reports a collected answer that does not fit its column.
type CoercionError struct {
	Field  string
	Value  string
	Reason string
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("%s %s (got %q)", strings.ReplaceAll(e.Field, "_", " "), e.Reason, e.Value)
}

// Coerce converts collected answers into typed column values for an insert.
//
// Every required field is present in the result. notes is present (possibly
// nil) for tables that carry it. Other optional fields appear only when
// collected. Blank required dates default to today.
func Coerce(sc schema.Schema, raw map[string]string, now time.Time) (map[string]any, error) {
	out := make(map[string]any, len(raw)+1)
	for _, f := range sc.Required {
		v, err := coerceField(f, raw[f.Name], true, now)
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	for _, f := range sc.Optional {
		s, ok := raw[f.Name]
		if !ok {
			if f.Name == schema.FieldNotes {
				out[f.Name] = nil
			}
			continue
		}
		v, err := coerceField(f, s, false, now)
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

func coerceField(f schema.Field, s string, required bool, now time.Time) (any, error) {
	switch f.Kind {
	case schema.KindDate:
		return coerceDate(f.Name, s, required, now)
	case schema.KindRating:
		return coerceRating(f.Name, s)
	case schema.KindEnum:
		return normalizeEntryType(s), nil
	case schema.KindList:
		items := util.SplitCSV(s)
		if len(items) == 0 {
			return nil, nil
		}
		return items, nil
	default:
		if !required && strings.TrimSpace(s) == "" {
			return nil, nil
		}
		return s, nil
	}
}

func coerceDate(field, s string, required bool, now time.Time) (any, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.TrimRight(t, ".!")
	switch t {
	case "":
		if required {
			return now.Format(ISODate), nil
		}
		return nil, nil
	case "today", "now", "this morning", "tonight":
		return now.Format(ISODate), nil
	case "yesterday", "last night":
		return now.AddDate(0, 0, -1).Format(ISODate), nil
	}
	for _, layout := range dateLayouts {
		if d, err := time.ParseInLocation(layout, strings.TrimSpace(s), now.Location()); err == nil {
			return d.Format(ISODate), nil
		}
	}
	return nil, &CoercionError{Field: field, Value: s, Reason: "is not a date I understand, try YYYY-MM-DD"}
}

func coerceRating(field, s string) (any, error) {
	m := leadingInt.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return nil, &CoercionError{Field: field, Value: s, Reason: "must be a whole number from 1 to 5"}
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > 5 {
		return nil, &CoercionError{Field: field, Value: s, Reason: "must be a whole number from 1 to 5"}
	}
	return n, nil
}

var entryTypeHints = []struct {
	value string
	hints []string
}{
	{"appointment", []string{"appointment", "appt", "doctor", "gp", "visit", "consult", "check-up", "checkup"}},
	{"test", []string{"test", "blood", "scan", "x-ray", "xray", "mri", "result", "lab"}},
	{"procedure", []string{"procedure", "surgery", "operation", "injection", "vaccin"}},
	{"event", []string{"event", "fall", "accident", "trip", "admission"}},
	{"note", []string{"note", "journal", "thought", "reminder"}},
}

// normalizeEntryType maps a free-text answer onto schema.DiaryEntryTypes.
func normalizeEntryType(s string) string {
	t := strings.ToLower(strings.TrimSpace(s))
	for _, v := range schema.DiaryEntryTypes {
		if t == v {
			return v
		}
	}
	for _, e := range entryTypeHints {
		if containsAny(t, e.hints) {
			return e.value
		}
	}
	return "other"
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
