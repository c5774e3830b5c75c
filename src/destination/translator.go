package destination

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orchestra-mcp/broker/src/types"
)

// SessionLookup reports the live sessions of a principal.
type SessionLookup interface {
	SessionsFor(principal string) []string
}

// Translator rewrites /user/<identity>/<rest> into <rest>-<sessionID>
// for every live session of identity.
type Translator struct {
	matcher  *Matcher
	sessions SessionLookup
}

// NewTranslator creates a Translator backed by the given session lookup.
func NewTranslator(m *Matcher, sessions SessionLookup) *Translator {
	return &Translator{matcher: m, sessions: sessions}
}

// Translate expands a user destination into one concrete destination per
// live session of its identity. Any other destination is returned unchanged.
// An identity without sessions yields an empty slice and no error.
func (t *Translator) Translate(raw string) ([]string, error) {
	d, err := t.matcher.Classify(raw)
	if err != nil || d.Kind != User {
		return []string{raw}, nil
	}

	identity, rest, err := t.split(d)
	if err != nil {
		return nil, err
	}

	ids := t.sessions.SessionsFor(identity)
	sort.Strings(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, Concrete(rest, id))
	}
	return out, nil
}

// ForSession translates a user destination for a single session owned by
// principal. It is used when a client subscribes to its own user destination.
func (t *Translator) ForSession(d Destination, principal, sessionID string) (string, error) {
	if d.Kind != User {
		return d.Raw, nil
	}
	if principal == "" {
		return "", fmt.Errorf("%w: anonymous session cannot subscribe to %s", types.ErrInvalidDestination, d.Raw)
	}
	identity, rest, err := t.split(d)
	if err != nil {
		return "", err
	}
	if identity != principal {
		return "", fmt.Errorf("%w: %s belongs to another user", types.ErrInvalidDestination, d.Raw)
	}
	return Concrete(rest, sessionID), nil
}

// Concrete returns the per-session form of rest.
func Concrete(rest, sessionID string) string {
	return rest + "-" + sessionID
}

// sessionScope prefixes the subscription key of a translated destination.
// Classify rejects names without a leading "/", so clients cannot subscribe
// or publish to a key in this scope directly.
const sessionScope = "session:"

// SessionKey returns the subscription key for a concrete per-session
// destination produced by Translate or ForSession.
func SessionKey(concrete string) string {
	return sessionScope + concrete
}

// FromSessionKey returns the concrete destination behind key, reporting
// false when key is an ordinary destination.
func FromSessionKey(key string) (string, bool) {
	return strings.CutPrefix(key, sessionScope)
}

func (t *Translator) split(d Destination) (identity, rest string, err error) {
	suffix := strings.TrimPrefix(d.Suffix, "/")
	identity, rest, ok := strings.Cut(suffix, "/")
	if !ok || identity == "" || rest == "" {
		return "", "", fmt.Errorf("%w: %s must be %s/<user>/<destination>", types.ErrInvalidDestination, d.Raw, d.Prefix)
	}
	rest = "/" + rest

	target, err := t.matcher.Classify(rest)
	if err != nil {
		return "", "", err
	}
	if target.Kind != Topic && target.Kind != Queue {
		return "", "", fmt.Errorf("%w: %s does not target a topic or queue", types.ErrInvalidDestination, d.Raw)
	}
	return identity, rest, nil
}
