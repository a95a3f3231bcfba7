package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// ActorState identifies which of the three close-actor states a record is in.
type ActorState uint8

const (
	// ActorAbsent means attribution was never attempted; the key is missing.
	ActorAbsent ActorState = iota
	// ActorNull means attribution was attempted and nothing was found.
	ActorNull
	// ActorResolved means the close actor login is known.
	ActorResolved
)

// String returns a stable name for the state.
func (s ActorState) String() string {
	switch s {
	case ActorNull:
		return "null"
	case ActorResolved:
		return "resolved"
	default:
		return "absent"
	}
}

// CloseActor is the tri-state attribution field of a record.
type CloseActor struct {
	state ActorState
	login string
}

// AbsentActor returns the never-attempted state.
func AbsentActor() CloseActor {
	return CloseActor{state: ActorAbsent}
}

// NullActor returns the attempted-but-not-found state.
func NullActor() CloseActor {
	return CloseActor{state: ActorNull}
}

// ResolvedActor returns a resolved attribution. An empty login collapses to NullActor.
func ResolvedActor(login string) CloseActor {
	trimmed := strings.TrimSpace(login)
	if trimmed == "" {
		return NullActor()
	}
	return CloseActor{state: ActorResolved, login: trimmed}
}

// State reports the attribution state.
func (a CloseActor) State() ActorState {
	return a.state
}

// Login returns the resolved login, or "" for absent and null states.
func (a CloseActor) Login() string {
	return a.login
}

// IsResolved reports whether the login is known.
func (a CloseActor) IsResolved() bool {
	return a.state == ActorResolved
}

// IsNull reports whether a previous attempt found nothing.
func (a CloseActor) IsNull() bool {
	return a.state == ActorNull
}

// IsAbsent reports whether attribution was never attempted.
func (a CloseActor) IsAbsent() bool {
	return a.state == ActorAbsent
}

// NeedsAttribution reports whether the enhancement pipeline should pick the record up.
// Null records stay null until they are explicitly reset.
func (a CloseActor) NeedsAttribution() bool {
	return a.state == ActorAbsent
}

const (
	keyNumber     = "number"
	keyTitle      = "title"
	keyUserLogin  = "user_login"
	keyMergedAt   = "merged_at"
	keyClosedAt   = "closed_at"
	keyHTMLURL    = "html_url"
	keyCloseActor = "close_actor"
)

// Record is one pull or merge request entry of a record file.
type Record struct {
	Number     int
	Title      string
	UserLogin  string
	MergedAt   *string
	ClosedAt   *string
	HTMLURL    string
	CloseActor CloseActor

	// Extra holds every other field of the upstream document verbatim.
	Extra map[string]json.RawMessage
}

// UnmarshalJSON decodes a record while keeping unknown fields and the close_actor tri-state.
func (r *Record) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("record must be a JSON object")
	}

	decoded := Record{CloseActor: AbsentActor()}
	if raw, ok := fields[keyNumber]; ok {
		if err := decodeOptional(raw, &decoded.Number); err != nil {
			return fmt.Errorf("decode number: %w", err)
		}
		delete(fields, keyNumber)
	}
	if raw, ok := fields[keyTitle]; ok {
		if err := decodeOptional(raw, &decoded.Title); err != nil {
			return fmt.Errorf("decode title: %w", err)
		}
		delete(fields, keyTitle)
	}
	if raw, ok := fields[keyUserLogin]; ok {
		if err := decodeOptional(raw, &decoded.UserLogin); err != nil {
			return fmt.Errorf("decode user_login: %w", err)
		}
		delete(fields, keyUserLogin)
	}
	if raw, ok := fields[keyHTMLURL]; ok {
		if err := decodeOptional(raw, &decoded.HTMLURL); err != nil {
			return fmt.Errorf("decode html_url: %w", err)
		}
		delete(fields, keyHTMLURL)
	}

	// A null timestamp stays in Extra so it is written back as null.
	var err error
	if decoded.MergedAt, err = takeTimestamp(fields, keyMergedAt); err != nil {
		return err
	}
	if decoded.ClosedAt, err = takeTimestamp(fields, keyClosedAt); err != nil {
		return err
	}

	if raw, ok := fields[keyCloseActor]; ok {
		if isJSONNull(raw) {
			decoded.CloseActor = NullActor()
		} else {
			var login string
			if err := json.Unmarshal(raw, &login); err != nil {
				return fmt.Errorf("decode close_actor: %w", err)
			}
			// A blank login is not an attribution; it reads back as null.
			decoded.CloseActor = ResolvedActor(login)
		}
		delete(fields, keyCloseActor)
	}

	if len(fields) > 0 {
		decoded.Extra = fields
	}
	*r = decoded
	return nil
}

// MarshalJSON encodes a record, omitting close_actor when absent and writing null when null.
func (r Record) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.Extra)+7)
	maps.Copy(fields, r.Extra)

	set := func(key string, value any) error {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		fields[key] = encoded
		return nil
	}

	if err := set(keyNumber, r.Number); err != nil {
		return nil, err
	}
	if err := set(keyTitle, r.Title); err != nil {
		return nil, err
	}
	if err := set(keyUserLogin, r.UserLogin); err != nil {
		return nil, err
	}
	if err := set(keyHTMLURL, r.HTMLURL); err != nil {
		return nil, err
	}
	if r.MergedAt != nil {
		if err := set(keyMergedAt, *r.MergedAt); err != nil {
			return nil, err
		}
	}
	if r.ClosedAt != nil {
		if err := set(keyClosedAt, *r.ClosedAt); err != nil {
			return nil, err
		}
	}

	switch r.CloseActor.State() {
	case ActorNull:
		fields[keyCloseActor] = json.RawMessage("null")
	case ActorResolved:
		if err := set(keyCloseActor, r.CloseActor.Login()); err != nil {
			return nil, err
		}
	default:
		delete(fields, keyCloseActor)
	}

	return json.Marshal(fields)
}

// Timestamp returns the record date for the given file kind, falling back to the other date field.
func (r *Record) Timestamp(kind Kind) string {
	primary, secondary := r.MergedAt, r.ClosedAt
	if kind == KindClosed {
		primary, secondary = r.ClosedAt, r.MergedAt
	}
	if primary != nil && strings.TrimSpace(*primary) != "" {
		return *primary
	}
	if secondary != nil && strings.TrimSpace(*secondary) != "" {
		return *secondary
	}
	return ""
}

func takeTimestamp(fields map[string]json.RawMessage, key string) (*string, error) {
	raw, ok := fields[key]
	if !ok || isJSONNull(raw) {
		return nil, nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	delete(fields, key)
	return &value, nil
}

func decodeOptional(raw json.RawMessage, target any) error {
	if isJSONNull(raw) {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
