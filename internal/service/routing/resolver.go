// Package routing maps dialog-brain transfer labels to dialplan destinations.
package routing

import "strings"

// Unresolved is returned for labels with no configured destination.
const Unresolved = ""

// Resolver is an immutable, case-insensitive label lookup.
type Resolver struct {
	targets map[string]string
}

// NewResolver builds a resolver from label → destination pairs. Labels are
// matched case-insensitively; entries with an empty label or destination
// are ignored.
func NewResolver(targets map[string]string) *Resolver {
	r := &Resolver{targets: make(map[string]string, len(targets))}
	for label, dest := range targets {
		label = normalize(label)
		dest = strings.TrimSpace(dest)
		if label == "" || dest == "" {
			continue
		}
		r.targets[label] = dest
	}
	return r
}

// Resolve returns the destination for label. ok is false (and the
// destination Unresolved) for unknown labels.
func (r *Resolver) Resolve(label string) (dest string, ok bool) {
	dest, ok = r.targets[normalize(label)]
	if !ok {
		return Unresolved, false
	}
	return dest, true
}

// Labels returns the configured labels, for logging.
func (r *Resolver) Labels() []string {
	out := make([]string, 0, len(r.targets))
	for l := range r.targets {
		out = append(out, l)
	}
	return out
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
