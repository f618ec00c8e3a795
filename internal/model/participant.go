// Package model defines the core domain types for cohort.
//
// Participants are stored as loosely-typed field maps owned by the session
// store. Accessors here read them defensively: a missing or mistyped field
// reads as its zero value, never panics.
package model

import (
	"strconv"
)

// Participant field keys written and read by the core.
const (
	FieldConnected       = "connected"
	FieldExitStatus      = "exitStatus"
	FieldGameFinished    = "gameFinished"
	FieldIntroDone       = "introDone"
	FieldInCountdown     = "inCountdown"
	FieldGameID          = "gameId"
	FieldAssigned        = "assigned"
	FieldBatchID         = "batchId"
	FieldParticipantData = "participantData"
	FieldURLParams       = "urlParams"
	FieldPosition        = "position"
	FieldTitle           = "title"
	FieldPlatformID      = "platformId"
)

// Exit statuses.
const (
	ExitStatusComplete    = "complete"
	ExitStatusBatchClosed = "batchClosed"
)

// Participant is a single human moving through a batch. Fields is the raw
// key-value record from the session store.
type Participant struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// NewParticipant returns a participant with an initialized field map.
func NewParticipant(id string, fields map[string]any) Participant {
	if fields == nil {
		fields = map[string]any{}
	}
	return Participant{ID: id, Fields: fields}
}

// Lookup returns the raw field value and whether it is present.
func (p Participant) Lookup(key string) (any, bool) {
	if p.Fields == nil {
		return nil, false
	}
	v, ok := p.Fields[key]
	if ok && v == nil {
		return nil, false
	}
	return v, ok
}

// Bool reports whether key holds the boolean true.
func (p Participant) Bool(key string) bool {
	v, _ := p.Lookup(key)
	b, ok := v.(bool)
	return ok && b
}

// BoolValue returns the boolean at key and whether the field held a boolean.
func (p Participant) BoolValue(key string) (value, ok bool) {
	v, present := p.Lookup(key)
	if !present {
		return false, false
	}
	value, ok = v.(bool)
	return value, ok
}

// String returns the string at key, or "" when absent or not a string.
func (p Participant) String(key string) string {
	v, _ := p.Lookup(key)
	s, _ := v.(string)
	return s
}

// Has reports whether key is present with a non-empty value.
func (p Participant) Has(key string) bool {
	v, ok := p.Lookup(key)
	if !ok {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return true
}

// Map returns the nested object at key, or nil.
func (p Participant) Map(key string) map[string]any {
	v, _ := p.Lookup(key)
	m, _ := v.(map[string]any)
	return m
}

// Set writes a field, allocating the map on first use.
func (p *Participant) Set(key string, value any) {
	if p.Fields == nil {
		p.Fields = map[string]any{}
	}
	p.Fields[key] = value
}

// BatchID returns the batch the participant belongs to.
func (p Participant) BatchID() string {
	return p.String(FieldBatchID)
}

// ExitStatus returns the terminal marker, or "" while the participant is active.
func (p Participant) ExitStatus() string {
	return p.String(FieldExitStatus)
}

// PlatformID returns participantData.platformId. Numeric IDs are rendered in
// decimal since recruitment platforms are not consistent about the type.
func (p Participant) PlatformID() string {
	data := p.Map(FieldParticipantData)
	if data == nil {
		return ""
	}
	switch v := data[FieldPlatformID].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// URLParams returns the query parameters captured on arrival.
func (p Participant) URLParams() map[string]any {
	return p.Map(FieldURLParams)
}

// Position returns the assigned position and whether one is set.
func (p Participant) Position() (int, bool) {
	s := p.String(FieldPosition)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
