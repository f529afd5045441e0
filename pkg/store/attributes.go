package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	AttrEmotions           = "emotions"
	AttrEmotionDescription = "emotion_description"
	AttrEmotionTimestamp   = "emotion_timestamp"
	AttrContext            = "context"
	AttrBirthdayYear       = "birthday_year"
	AttrBirthdayMonth      = "birthday_month"
	AttrBirthdayDay        = "birthday_day"
)

// Attributes is an insertion-ordered JSON object. Values are the generic
// encoding/json shapes (string, float64, bool, []interface{},
// map[string]interface{}, nil). The zero value is ready to use.
type Attributes struct {
	keys   []string
	values map[string]interface{}
}

func NewAttributes() Attributes {
	return Attributes{values: map[string]interface{}{}}
}

func (a *Attributes) Len() int { return len(a.keys) }

// Keys returns the keys in insertion order.
func (a *Attributes) Keys() []string {
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

func (a *Attributes) Get(key string) (interface{}, bool) {
	if a.values == nil {
		return nil, false
	}
	v, ok := a.values[key]
	return v, ok
}

// Set stores v under key. Existing keys keep their position.
func (a *Attributes) Set(key string, v interface{}) {
	if a.values == nil {
		a.values = map[string]interface{}{}
	}
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = v
}

func (a *Attributes) Delete(key string) {
	if a.values == nil {
		return
	}
	if _, ok := a.values[key]; !ok {
		return
	}
	delete(a.values, key)
	for i, k := range a.keys {
		if k == key {
			a.keys = append(a.keys[:i], a.keys[i+1:]...)
			break
		}
	}
}

func (a *Attributes) Clone() Attributes {
	out := NewAttributes()
	for _, k := range a.keys {
		out.Set(k, a.values[k])
	}
	return out
}

// String returns the value as a string, formatting scalars when needed.
func (a *Attributes) String(key string) string {
	v, ok := a.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

func (a *Attributes) Float(key string) (float64, bool) {
	v, ok := a.Get(key)
	if !ok || v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Strings returns list values; a single string is returned as a one-element list.
func (a *Attributes) Strings(key string) []string {
	v, ok := a.Get(key)
	if !ok || v == nil {
		return nil
	}
	switch val := v.(type) {
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		return []string{val}
	default:
		return nil
	}
}

func (a *Attributes) Emotions() []string { return a.Strings(AttrEmotions) }

func (a *Attributes) Context() string { return a.String(AttrContext) }

// Summary is a short prompt fragment describing emotions and context.
func (a *Attributes) Summary() string {
	var parts []string
	if emotions := a.Emotions(); len(emotions) > 0 {
		parts = append(parts, "Current emotions: "+strings.Join(emotions, ", "))
	}
	if c := a.Context(); c != "" {
		parts = append(parts, "Current context: "+c)
	}
	return strings.Join(parts, "\n")
}

// EmotionTimestamp reads emotion_timestamp, stored as fractional unix seconds.
func (a *Attributes) EmotionTimestamp() (time.Time, bool) {
	f, ok := a.Float(AttrEmotionTimestamp)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

func (a *Attributes) SetEmotionTimestamp(t time.Time) {
	a.Set(AttrEmotionTimestamp, float64(t.UnixNano())/1e9)
}

// Age derives whole years from birthday_year/month/day. Month and day
// default to January 1st when missing.
func (a *Attributes) Age(now time.Time) (int, bool) {
	year, ok := a.Float(AttrBirthdayYear)
	if !ok || year <= 0 {
		return 0, false
	}
	month, ok := a.Float(AttrBirthdayMonth)
	if !ok || month < 1 || month > 12 {
		month = 1
	}
	day, ok := a.Float(AttrBirthdayDay)
	if !ok || day < 1 || day > 31 {
		day = 1
	}

	age := now.Year() - int(year)
	if int(now.Month()) < int(month) || (int(now.Month()) == int(month) && now.Day() < int(day)) {
		age--
	}
	if age < 0 {
		return 0, false
	}
	return age, true
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(a.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal attribute %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (a *Attributes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = NewAttributes()
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("attributes: expected JSON object")
	}

	out := NewAttributes()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("attributes: non-string key %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("attributes: decode %q: %w", key, err)
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("attributes: decode %q: %w", key, err)
		}
		out.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}
