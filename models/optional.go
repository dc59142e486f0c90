package models

import "strconv"

// Float is a float64 that distinguishes "unknown" from zero. Zero is a
// legitimate price and surface value, so absence has to be explicit.
type Float struct {
	Value float64 `json:"value"`
	Known bool    `json:"known"`
}

// KnownFloat wraps v as a known value.
func KnownFloat(v float64) Float {
	return Float{Value: v, Known: true}
}

// UnknownFloat returns the absent value.
func UnknownFloat() Float {
	return Float{}
}

// String renders the value, or an empty string when unknown.
func (f Float) String() string {
	if !f.Known {
		return ""
	}
	return strconv.FormatFloat(f.Value, 'f', -1, 64)
}

// MarshalJSON emits null for unknown values so consumers cannot read a
// missing number as zero.
func (f Float) MarshalJSON() ([]byte, error) {
	if !f.Known {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(f.Value, 'f', -1, 64)), nil
}

// UnmarshalJSON accepts either null or a number.
func (f *Float) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = Float{}
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*f = KnownFloat(v)
	return nil
}

// Int mirrors Float for integer fields such as room counts.
type Int struct {
	Value int  `json:"value"`
	Known bool `json:"known"`
}

// KnownInt wraps v as a known value.
func KnownInt(v int) Int {
	return Int{Value: v, Known: true}
}

// String renders the value, or an empty string when unknown.
func (i Int) String() string {
	if !i.Known {
		return ""
	}
	return strconv.Itoa(i.Value)
}

// MarshalJSON emits null for unknown values.
func (i Int) MarshalJSON() ([]byte, error) {
	if !i.Known {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(i.Value)), nil
}

// UnmarshalJSON accepts either null or an integer.
func (i *Int) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*i = Int{}
		return nil
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return err
	}
	*i = KnownInt(v)
	return nil
}
