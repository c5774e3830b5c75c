// Package destination classifies destination strings and rewrites
// user destinations into per-session concrete destinations.
package destination

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/orchestra-mcp/broker/src/types"
)

// Kind is the routing category of a destination.
type Kind int

const (
	Unroutable Kind = iota
	Topic
	Queue
	User
	Application
)

func (k Kind) String() string {
	switch k {
	case Topic:
		return "topic"
	case Queue:
		return "queue"
	case User:
		return "user"
	case Application:
		return "application"
	default:
		return "unroutable"
	}
}

// Prefixes configures the destination prefix of each kind.
type Prefixes struct {
	Topic       string `json:"topic"`
	Queue       string `json:"queue"`
	User        string `json:"user"`
	Application string `json:"application"`
}

// DefaultPrefixes returns the conventional /topic, /queue, /user and /app prefixes.
func DefaultPrefixes() Prefixes {
	return Prefixes{
		Topic:       "/topic",
		Queue:       "/queue",
		User:        "/user",
		Application: "/app",
	}
}

// Destination is a classified destination string.
type Destination struct {
	Raw    string
	Kind   Kind
	Prefix string
	Suffix string
}

type prefixEntry struct {
	prefix string
	kind   Kind
}

// Matcher classifies destinations by longest configured prefix.
// It holds no mutable state and is safe for concurrent use.
type Matcher struct {
	entries []prefixEntry
}

// NewMatcher validates the prefixes and builds a Matcher.
func NewMatcher(p Prefixes) (*Matcher, error) {
	raw := []prefixEntry{
		{p.Topic, Topic},
		{p.Queue, Queue},
		{p.User, User},
		{p.Application, Application},
	}

	seen := make(map[string]Kind, len(raw))
	entries := make([]prefixEntry, 0, len(raw))
	for _, e := range raw {
		prefix := strings.TrimRight(e.prefix, "/")
		if prefix == "" || !strings.HasPrefix(e.prefix, "/") {
			return nil, fmt.Errorf("%s prefix %q must start with '/' and not be root", e.kind, e.prefix)
		}
		if other, dup := seen[prefix]; dup {
			return nil, fmt.Errorf("%s prefix %q already used by %s", e.kind, prefix, other)
		}
		seen[prefix] = e.kind
		entries = append(entries, prefixEntry{prefix: prefix, kind: e.kind})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].prefix) > len(entries[j].prefix)
	})
	return &Matcher{entries: entries}, nil
}

// Classify returns the kind, prefix and suffix of raw. A destination that
// matches no prefix has kind Unroutable and a nil error; only empty or
// malformed input fails.
func (m *Matcher) Classify(raw string) (Destination, error) {
	if raw == "" {
		return Destination{}, fmt.Errorf("%w: empty destination", types.ErrInvalidDestination)
	}
	if raw[0] != '/' {
		return Destination{}, fmt.Errorf("%w: %q must start with '/'", types.ErrInvalidDestination, raw)
	}
	if !utf8.ValidString(raw) {
		return Destination{}, fmt.Errorf("%w: destination is not valid UTF-8", types.ErrInvalidDestination)
	}

	for _, e := range m.entries {
		if raw == e.prefix || strings.HasPrefix(raw, e.prefix+"/") {
			return Destination{
				Raw:    raw,
				Kind:   e.kind,
				Prefix: e.prefix,
				Suffix: raw[len(e.prefix):],
			}, nil
		}
	}
	return Destination{Raw: raw, Kind: Unroutable}, nil
}

// Routable classifies raw and fails with ErrDestinationNotFound when no prefix matches.
func (m *Matcher) Routable(raw string) (Destination, error) {
	d, err := m.Classify(raw)
	if err != nil {
		return d, err
	}
	if d.Kind == Unroutable {
		return d, fmt.Errorf("%w: %s", types.ErrDestinationNotFound, raw)
	}
	return d, nil
}

// Prefix returns the normalized prefix configured for kind, or "" for
// Unroutable.
func (m *Matcher) Prefix(kind Kind) string {
	for _, e := range m.entries {
		if e.kind == kind {
			return e.prefix
		}
	}
	return ""
}

// UserDestination builds the user destination that addresses every
// session of principal, e.g. ("alice", "/queue/notify") gives
// "/user/alice/queue/notify" with the default prefixes.
func (m *Matcher) UserDestination(principal, rest string) string {
	return m.Prefix(User) + "/" + principal + "/" + strings.TrimPrefix(rest, "/")
}
