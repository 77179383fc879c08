package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errMissing = errors.New("missing")

// object is a decoded JSON object with lenient accessors. Numbers are kept
// as json.Number so integer fields do not lose precision.
type object map[string]any

func decodeObject(raw []byte) (object, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("document is null")
	}
	return object(doc), nil
}

func (o object) requiredString(key string) (string, error) {
	switch v := o[key].(type) {
	case nil:
		return "", errMissing
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func (o object) requiredInt(key string) (int64, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return 0, errMissing
	}
	return toInt(v)
}

func (o object) optString(key, def string) string {
	s, err := o.requiredString(key)
	if err != nil {
		return def
	}
	return s
}

func (o object) optInt(key string, def int64) int64 {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	n, err := toInt(v)
	if err != nil {
		return def
	}
	return n
}

func (o object) optBool(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

func toInt(v any) (int64, error) {
	var raw string
	switch t := v.(type) {
	case json.Number:
		raw = t.String()
	case string:
		raw = strings.TrimSpace(t)
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("expected number, got %q", raw)
	}
	return int64(f), nil
}
