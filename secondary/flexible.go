package secondary

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexibleInt64 supports payload fields that can be numeric IDs, quoted
// numbers or empty strings.
type FlexibleInt64 struct {
	Valid bool
	Value int64
}

func (id FlexibleInt64) MarshalJSON() ([]byte, error) {
	if !id.Valid {
		return []byte(`""`), nil
	}
	return []byte(strconv.FormatInt(id.Value, 10)), nil
}

func (id *FlexibleInt64) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	switch text {
	case "", "null", `""`:
		*id = FlexibleInt64{}
		return nil
	}

	var number int64
	if err := json.Unmarshal(data, &number); err == nil {
		*id = FlexibleInt64{Valid: true, Value: number}
		return nil
	}

	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		asString = strings.TrimSpace(asString)
		if asString == "" {
			*id = FlexibleInt64{}
			return nil
		}
		parsed, err := strconv.ParseInt(asString, 10, 64)
		if err != nil {
			return fmt.Errorf("parse id string %q: %w", asString, err)
		}
		*id = FlexibleInt64{Valid: true, Value: parsed}
		return nil
	}

	return fmt.Errorf("unsupported id value %q", text)
}

// FlexibleCell is one loosely typed cell of a Secondary list row. The
// service mixes numbers, quoted numbers and plain strings within the same
// table, so the raw token is kept and interpreted on demand.
type FlexibleCell struct {
	raw json.RawMessage
}

func (c *FlexibleCell) UnmarshalJSON(data []byte) error {
	c.raw = append(c.raw[:0], data...)
	return nil
}

func (c FlexibleCell) MarshalJSON() ([]byte, error) {
	if len(c.raw) == 0 {
		return []byte("null"), nil
	}
	return c.raw, nil
}

// String returns the cell as text, unquoting JSON strings.
func (c FlexibleCell) String() string {
	text := strings.TrimSpace(string(c.raw))
	if text == "" || text == "null" {
		return ""
	}
	var unquoted string
	if err := json.Unmarshal(c.raw, &unquoted); err == nil {
		return unquoted
	}
	return text
}

// Float64 parses the cell as a float, accepting quoted numbers.
func (c FlexibleCell) Float64() (float64, error) {
	text := strings.Trim(strings.TrimSpace(string(c.raw)), `"`)
	if text == "" || text == "null" {
		return 0, fmt.Errorf("cell %q holds no number", strings.TrimSpace(string(c.raw)))
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cell %q as float: %w", text, err)
	}
	return value, nil
}

// Int64 parses the cell as an integer, accepting quoted numbers.
func (c FlexibleCell) Int64() (int64, error) {
	var id FlexibleInt64
	if err := id.UnmarshalJSON(c.raw); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, fmt.Errorf("cell %q holds no number", strings.TrimSpace(string(c.raw)))
	}
	return id.Value, nil
}
