// Package versioning upgrades persisted payloads through sequential schema
// versions before they are decoded.
package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// LevelEmergency marks payloads that can no longer be read.
const LevelEmergency = slog.Level(12)

// VersionKey holds the schema version inside every payload.
const VersionKey = "version"

var ErrDomainEventConversion = errors.New("versioning: domain event conversion failed")

// Step upgrades a payload from version N to N+1. It receives its own copy.
type Step func(payload map[string]any) (map[string]any, error)

// Chain is an ordered set of steps keyed by the version they upgrade from.
type Chain struct {
	Name   string
	Latest int
	Steps  map[int]Step
}

// ConversionError reports a payload the chain cannot upgrade.
type ConversionError struct {
	Chain   string
	Version int
	Err     error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("versioning: convert %s from version %d: %v", e.Chain, e.Version, e.Err)
	}
	return fmt.Sprintf("versioning: convert %s: unknown version %d", e.Chain, e.Version)
}

func (e *ConversionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDomainEventConversion}
	}
	return []error{ErrDomainEventConversion, e.Err}
}

// Version reads the payload version; a missing key means version 1.
func Version(payload map[string]any) (int, error) {
	raw, ok := payload[VersionKey]
	if !ok || raw == nil {
		return 1, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("versioning: fractional version %v", v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("versioning: version %q: %w", v, err)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("versioning: version has type %T", raw)
	}
}

// Convert upgrades payload to c.Latest. A payload already at the latest
// version is returned as is. The input map is never modified.
func (c Chain) Convert(payload map[string]any) (map[string]any, error) {
	from, err := Version(payload)
	if err != nil {
		return nil, &ConversionError{Chain: c.Name, Err: err}
	}
	if from < 1 || from > c.Latest {
		return nil, &ConversionError{Chain: c.Name, Version: from}
	}
	if from == c.Latest {
		return payload, nil
	}
	current := payload
	for v := from; v < c.Latest; v++ {
		step, ok := c.Steps[v]
		if !ok {
			return nil, &ConversionError{Chain: c.Name, Version: v}
		}
		next, err := step(deepCopy(current))
		if err != nil {
			return nil, &ConversionError{Chain: c.Name, Version: v, Err: err}
		}
		next[VersionKey] = v + 1
		current = next
	}
	return current, nil
}

// Converter applies a chain and logs payloads it cannot upgrade.
type Converter struct {
	chain  Chain
	logger *slog.Logger
}

func NewConverter(chain Chain, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{chain: chain, logger: logger}
}

func (c *Converter) Chain() Chain { return c.chain }

func (c *Converter) Convert(ctx context.Context, payload map[string]any) (map[string]any, error) {
	out, err := c.chain.Convert(payload)
	if err != nil {
		raw, _ := json.Marshal(payload)
		c.logger.Log(ctx, LevelEmergency, "payload conversion failed",
			"chain", c.chain.Name, "error", err, "payload", string(raw))
		return nil, err
	}
	return out, nil
}

// ConvertJSON decodes raw, upgrades it and encodes the result.
func (c *Converter) ConvertJSON(ctx context.Context, raw []byte) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Log(ctx, LevelEmergency, "payload is not a json object",
			"chain", c.chain.Name, "error", err, "payload", string(raw))
		return nil, &ConversionError{Chain: c.chain.Name, Err: err}
	}
	out, err := c.Convert(ctx, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = copyValue(e)
		}
		return cp
	default:
		return v
	}
}

func rename(m map[string]any, from, to string) {
	if v, ok := m[from]; ok {
		if _, exists := m[to]; !exists {
			m[to] = v
		}
		delete(m, from)
	}
}

func backfill(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
