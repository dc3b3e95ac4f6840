package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownTopic is returned when no schema is registered for a topic.
var ErrUnknownTopic = errors.New("unknown topic")

// ErrIncompatible is returned when a schema update would break payloads
// that were valid under the previous version.
var ErrIncompatible = errors.New("incompatible schema update")

// TopicInfo describes the current schema of one topic, for documentation
// consumers.
type TopicInfo struct {
	Topic         string            `json:"topic"`
	Version       int               `json:"version"`
	Compatibility CompatibilityMode `json:"compatibility"`
	Schema        Schema            `json:"schema"`
}

// entry is the registered state of one topic. Each entry carries its own
// lock so evolution of one topic never blocks validation on another.
type entry struct {
	mu      sync.RWMutex
	schema  Schema
	version int
	mode    CompatibilityMode
}

// Registry maps topics to their current validated schema.
// Topic lookup is a single map read under RWMutex; validation cost does
// not grow with the number of registered topics.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]*entry
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		topics: make(map[string]*entry),
		logger: logger,
	}
}

// Register creates the topic at version 1 or evolves it to the next version
// under the topic's compatibility mode. An empty mode defaults to backward.
// Returns the new schema version.
func (r *Registry) Register(topic string, s Schema, mode CompatibilityMode) (int, error) {
	if topic == "" {
		return 0, fmt.Errorf("topic name is required")
	}
	if mode == "" {
		mode = CompatBackward
	}
	for _, f := range s.Fields {
		if f.Name == "" {
			return 0, fmt.Errorf("schema for topic %s: field name is required", topic)
		}
		if !f.Type.Valid() {
			return 0, fmt.Errorf("schema for topic %s: field %s has unknown type %q", topic, f.Name, f.Type)
		}
	}

	r.mu.Lock()
	e, ok := r.topics[topic]
	if !ok {
		e = &entry{}
		r.topics[topic] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.version > 0 && e.mode == CompatBackward {
		if err := checkBackward(e.schema, s); err != nil {
			return 0, err
		}
	}
	e.schema = s
	e.version++
	e.mode = mode

	r.logger.Info("schema registered",
		slog.String("topic", topic),
		slog.Int("version", e.version),
		slog.String("compatibility", string(mode)),
	)
	return e.version, nil
}

// checkBackward rejects any evolution that could invalidate a payload
// accepted under prev: removing a required field, changing a field's type,
// or requiring a field that was absent or optional before.
func checkBackward(prev, next Schema) error {
	for _, pf := range prev.Fields {
		nf := next.field(pf.Name)
		if nf == nil {
			if pf.Required {
				return fmt.Errorf("%w: required field %s removed", ErrIncompatible, pf.Name)
			}
			continue
		}
		if nf.Type != pf.Type {
			return fmt.Errorf("%w: field %s changed type %s -> %s", ErrIncompatible, pf.Name, pf.Type, nf.Type)
		}
		if nf.Required && !pf.Required {
			return fmt.Errorf("%w: optional field %s made required", ErrIncompatible, pf.Name)
		}
	}
	for _, nf := range next.Fields {
		if nf.Required && prev.field(nf.Name) == nil {
			return fmt.Errorf("%w: new required field %s added", ErrIncompatible, nf.Name)
		}
	}
	return nil
}

func (r *Registry) lookup(topic string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.topics[topic]
	return e, ok
}

// Validate checks payload against the topic's current schema.
// Returns (version, nil) when valid; (version, *ValidationError) listing
// every violation when invalid; ErrUnknownTopic when the topic has no schema.
func (r *Registry) Validate(topic string, payload json.RawMessage) (int, error) {
	e, ok := r.lookup(topic)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	e.mu.RLock()
	s := e.schema
	version := e.version
	e.mu.RUnlock()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return version, &ValidationError{
			Topic:      topic,
			Violations: []Violation{{Field: "", Rule: "payload must be a JSON object"}},
		}
	}

	var violations []Violation
	for _, f := range s.Fields {
		raw, present := fields[f.Name]
		if !present || string(raw) == "null" {
			if f.Required {
				violations = append(violations, Violation{Field: f.Name, Rule: "required field is missing"})
			}
			continue
		}
		if rule := checkField(f.Type, raw); rule != "" {
			violations = append(violations, Violation{Field: f.Name, Rule: rule})
		}
	}
	if len(violations) > 0 {
		return version, &ValidationError{Topic: topic, Violations: violations}
	}
	return version, nil
}

// checkField returns the broken rule for a present field value, or "".
func checkField(t FieldType, raw json.RawMessage) string {
	switch t {
	case TypeString:
		var v string
		if json.Unmarshal(raw, &v) != nil {
			return "must be a string"
		}
	case TypeUUID:
		var v string
		if json.Unmarshal(raw, &v) != nil {
			return "must be a UUID string"
		}
		if _, err := uuid.Parse(v); err != nil {
			return "must be a valid UUID"
		}
	case TypeTimestamp:
		var v string
		if json.Unmarshal(raw, &v) != nil {
			return "must be an RFC 3339 timestamp string"
		}
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			return "must be a valid RFC 3339 timestamp"
		}
	case TypeNumber:
		var v float64
		if json.Unmarshal(raw, &v) != nil {
			return "must be a number"
		}
	case TypeInteger:
		var v json.Number
		if json.Unmarshal(raw, &v) != nil {
			return "must be an integer"
		}
		if _, err := v.Int64(); err != nil {
			return "must be an integer"
		}
	case TypeBoolean:
		var v bool
		if json.Unmarshal(raw, &v) != nil {
			return "must be a boolean"
		}
	case TypeObject:
		var v map[string]json.RawMessage
		if json.Unmarshal(raw, &v) != nil {
			return "must be an object"
		}
	case TypeArray:
		var v []json.RawMessage
		if json.Unmarshal(raw, &v) != nil {
			return "must be an array"
		}
	}
	return ""
}

// Describe returns the current schema of one topic.
func (r *Registry) Describe(topic string) (TopicInfo, error) {
	e, ok := r.lookup(topic)
	if !ok {
		return TopicInfo{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return TopicInfo{Topic: topic, Version: e.version, Compatibility: e.mode, Schema: e.schema}, nil
}

// DescribeAll returns every registered topic, for the external documentation
// publisher. Order is unspecified.
func (r *Registry) DescribeAll() []TopicInfo {
	r.mu.RLock()
	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make([]TopicInfo, 0, len(names))
	for _, name := range names {
		if info, err := r.Describe(name); err == nil {
			out = append(out, info)
		}
	}
	return out
}
