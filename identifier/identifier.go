// Package identifier defines the entity identifiers used to address
// mailboxes on an exchange. An entity is either an agent (owns a runtime
// and a behavior) or a user (a plain caller that can only await responses).
package identifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role distinguishes the two kinds of entities that can own a mailbox.
type Role string

const (
	// RoleAgent identifies an entity backed by an agent runtime.
	RoleAgent Role = "agent"

	// RoleUser identifies a caller-only entity with no runtime.
	RoleUser Role = "user"
)

// EntityID uniquely names a mailbox on an exchange. The zero value is not
// a valid identifier; use NewAgentID or NewUserID.
//
// EntityID is comparable and safe to use as a map key.
type EntityID struct {
	UID  uuid.UUID `json:"uid"`
	Role Role      `json:"role"`
}

// NewAgentID returns a fresh identifier for an agent entity.
func NewAgentID() EntityID {
	return EntityID{UID: uuid.New(), Role: RoleAgent}
}

// NewUserID returns a fresh identifier for a user entity.
func NewUserID() EntityID {
	return EntityID{UID: uuid.New(), Role: RoleUser}
}

// IsAgent reports whether the identifier names an agent entity.
func (e EntityID) IsAgent() bool { return e.Role == RoleAgent }

// IsZero reports whether the identifier is the zero value.
func (e EntityID) IsZero() bool { return e.UID == uuid.Nil }

// String renders the identifier as "<role>:<uuid>". The format round-trips
// through Parse and is used as the routing key by remote exchange backends.
func (e EntityID) String() string {
	return fmt.Sprintf("%s:%s", e.Role, e.UID)
}

// Parse converts the output of String back into an EntityID.
func Parse(s string) (EntityID, error) {
	role, raw, ok := strings.Cut(s, ":")
	if !ok {
		return EntityID{}, fmt.Errorf("invalid entity id %q", s)
	}
	switch Role(role) {
	case RoleAgent, RoleUser:
	default:
		return EntityID{}, fmt.Errorf("invalid entity role %q", role)
	}
	uid, err := uuid.Parse(raw)
	if err != nil {
		return EntityID{}, fmt.Errorf("invalid entity id %q: %w", s, err)
	}
	return EntityID{UID: uid, Role: Role(role)}, nil
}

// MarshalText implements encoding.TextMarshaler so identifiers can be used
// directly as JSON object keys.
func (e EntityID) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EntityID) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

var _ json.Marshaler = EntityID{}

// MarshalJSON encodes the identifier as its string form.
func (e EntityID) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON decodes the string form produced by MarshalJSON.
func (e *EntityID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return e.UnmarshalText([]byte(s))
}
