package main

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	// dateTimeLayout is the canonical text of DateTime cells.
	dateTimeLayout = "2006-01-02 15:04:05.999999999"
	// nullMarker is read as NULL for every non-text column.
	nullMarker = "NA"
)

// inputTimeLayouts are tried in order when normalizing DateTime and
// DateTimeOffset cells. Layouts with a zone come first.
var inputTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

// formatCellValue renders a value read from a driver as cell text.
func formatCellValue(val any, col Column) Cell {
	c := Cell{ColumnName: col.Name}
	switch v := val.(type) {
	case nil:
		c.Null = true
	case []byte:
		if col.Type == TypeGuid && len(v) == 16 {
			c.ValueString = uuid.UUID(v).String()
		} else {
			c.ValueString = string(v)
		}
	case string:
		c.ValueString = v
	case time.Time:
		c.ValueString = formatTime(v, col.Type)
	case bool:
		c.ValueString = strconv.FormatBool(v)
	case int64:
		c.ValueString = strconv.FormatInt(v, 10)
	case int32:
		c.ValueString = strconv.FormatInt(int64(v), 10)
	case int:
		c.ValueString = strconv.Itoa(v)
	case float64:
		c.ValueString = strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		c.ValueString = strconv.FormatFloat(float64(v), 'f', -1, 32)
	case fmt.Stringer:
		c.ValueString = v.String()
	default:
		c.ValueString = fmt.Sprint(v)
	}
	return c
}

func formatTime(t time.Time, typ ColumnType) string {
	if typ == TypeDateTimeOffset {
		return t.Format(time.RFC3339Nano)
	}
	return t.Format(dateTimeLayout)
}

// normalizeCell validates a cell against the column type and returns the text
// a destination should write. null is true when the destination value is NULL.
// A value that cannot be converted yields ErrTypeConversion; callers write NULL
// for nullable columns and reject the row otherwise.
func normalizeCell(col Column, c Cell, present bool) (val string, null bool, err error) {
	if !present || c.Null {
		return "", true, nil
	}
	s := c.ValueString
	if col.Type.isText() {
		return s, false, nil
	}
	s = strings.TrimSpace(s)
	if s == "" || s == nullMarker {
		return "", true, nil
	}
	if col.IsArray && col.Type != TypeJson && col.Type != TypeJsonb {
		// Array literals are passed through; the destination validates them.
		return s, false, nil
	}

	switch col.Type {
	case TypeInt, TypeLong:
		n, err := parseInteger(s)
		if err != nil {
			return "", true, conversionError(col, s, err)
		}
		return strconv.FormatInt(n, 10), false, nil
	case TypeFloat, TypeDouble:
		f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
		if err != nil {
			return "", true, conversionError(col, s, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", true, conversionError(col, s, fmt.Errorf("non-finite number"))
		}
		return strconv.FormatFloat(f, 'f', -1, 64), false, nil
	case TypeDecimal:
		d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
		if err != nil {
			return "", true, conversionError(col, s, err)
		}
		return d.String(), false, nil
	case TypeBoolean:
		b, err := parseBoolCell(s)
		if err != nil {
			return "", true, conversionError(col, s, err)
		}
		return strconv.FormatBool(b), false, nil
	case TypeDateTime, TypeDateTimeOffset:
		t, err := parseTimeCell(s)
		if err != nil {
			return "", true, conversionError(col, s, err)
		}
		return formatTime(t, col.Type), false, nil
	case TypeGuid:
		u, err := uuid.Parse(s)
		if err != nil {
			return "", true, conversionError(col, s, err)
		}
		return u.String(), false, nil
	case TypeJson, TypeJsonb:
		if !json.Valid([]byte(s)) {
			return "", true, conversionError(col, s, fmt.Errorf("invalid JSON"))
		}
		return s, false, nil
	}
	return s, false, nil
}

func conversionError(col Column, s string, err error) error {
	return fmt.Errorf("%w: column %s (%s): %q: %v", ErrTypeConversion, col.Name, col.Type, truncate(s, 64), err)
}

// parseInteger accepts plain integers and integral decimals such as "12.0" or "12,0".
func parseInteger(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("not an integer")
	}
	if !d.BigInt().IsInt64() {
		return 0, fmt.Errorf("out of range")
	}
	return d.IntPart(), nil
}

func parseBoolCell(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "t", "1", "yes", "y":
		return true, nil
	case "false", "f", "0", "no", "n":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean")
}

func parseTimeCell(s string) (time.Time, error) {
	for _, layout := range inputTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date/time format")
}

// normalizeRow converts every column of row for writing, in column order.
// Missing and unconvertible values become NULL (nil). A NULL headed for a
// non-nullable column rejects the whole row.
func normalizeRow(t *Table, row Row) ([]any, error) {
	vals := make([]any, len(t.Columns))
	for i, col := range t.Columns {
		c, present := row.cell(col.Name)
		v, null, err := normalizeCell(col, c, present)
		if null {
			if !col.Nullable {
				if err == nil {
					err = fmt.Errorf("%w: column %s is not nullable", ErrTypeConversion, col.Name)
				}
				return nil, err
			}
			continue
		}
		vals[i] = v
	}
	return vals, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// parsePGArray splits a one-dimensional Postgres array literal such as
// {1,2,"a b",NULL}. NULL elements are returned as nil.
func parsePGArray(s string) ([]*string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, fmt.Errorf("not an array literal")
	}
	body := s[1 : len(s)-1]
	if strings.TrimSpace(body) == "" {
		return []*string{}, nil
	}

	var elems []*string
	var cur strings.Builder
	quoted, inQuotes, escaped := false, false, false
	flush := func() {
		v := cur.String()
		if !quoted {
			v = strings.TrimSpace(v)
			if strings.EqualFold(v, "NULL") {
				elems = append(elems, nil)
				cur.Reset()
				return
			}
		}
		elems = append(elems, &v)
		cur.Reset()
		quoted = false
	}
	for _, r := range body {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
			quoted = true
		case r == ',' && !inQuotes:
			flush()
		case r == '{' && !inQuotes:
			return nil, fmt.Errorf("nested arrays are not supported")
		default:
			cur.WriteRune(r)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quoted element")
	}
	flush()
	return elems, nil
}

// arrayToJSON renders an array cell as a JSON array. JSON input is kept as is;
// Postgres literals are converted with elements typed by col.
func arrayToJSON(col Column, s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		if !gjson.Valid(s) {
			return "", conversionError(col, s, fmt.Errorf("invalid JSON array"))
		}
		return s, nil
	}
	elems, err := parsePGArray(s)
	if err != nil {
		return "", conversionError(col, s, err)
	}
	out := make([]any, len(elems))
	for i, e := range elems {
		if e == nil {
			continue
		}
		switch {
		case col.Type.isNumeric():
			if _, err := decimal.NewFromString(*e); err != nil {
				return "", conversionError(col, *e, err)
			}
			out[i] = json.Number(*e)
		case col.Type == TypeBoolean:
			b, err := parseBoolCell(*e)
			if err != nil {
				return "", conversionError(col, *e, err)
			}
			out[i] = b
		default:
			out[i] = *e
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", conversionError(col, s, err)
	}
	return string(b), nil
}

// arrayToPG renders an array cell as a Postgres array literal.
func arrayToPG(col Column, s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		return s, nil
	}
	res := gjson.Parse(s)
	if !res.IsArray() {
		return "", conversionError(col, s, fmt.Errorf("not an array"))
	}
	var parts []string
	for _, e := range res.Array() {
		switch e.Type {
		case gjson.Null:
			parts = append(parts, "NULL")
		case gjson.String:
			parts = append(parts, quotePGArrayElem(e.Str))
		case gjson.JSON:
			parts = append(parts, quotePGArrayElem(e.Raw))
		default:
			parts = append(parts, e.Raw)
		}
	}
	return "{" + strings.Join(parts, ",") + "}", nil
}

func quotePGArrayElem(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
