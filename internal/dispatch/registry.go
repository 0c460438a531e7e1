package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	ErrAliasCollision    = errors.New("dispatch: alias already registered")
	ErrInvalidDescriptor = errors.New("dispatch: invalid descriptor")
	ErrRegistryFrozen    = errors.New("dispatch: registry is frozen")
	ErrUsage             = errors.New("dispatch: usage")
)

// Registry maps normalized aliases to descriptors. Lookups never mutate it,
// so it needs no locking once frozen.
type Registry struct {
	descriptors []*Descriptor
	index       map[string]*Descriptor
	maxWords    int
	frozen      bool
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]*Descriptor)}
}

// Register adds d. Either every alias is indexed or none is.
func (r *Registry) Register(d Descriptor) error {
	if r.frozen {
		return fmt.Errorf("%w: %q", ErrRegistryFrozen, d.Name)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDescriptor)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %q has no handler", ErrInvalidDescriptor, d.Name)
	}
	if d.Security > SecurityAdmin || d.Side > ServerOnly {
		return fmt.Errorf("%w: %q has an unknown tier or side", ErrInvalidDescriptor, d.Name)
	}
	if len(d.Aliases) == 0 {
		return fmt.Errorf("%w: %q has no aliases", ErrInvalidDescriptor, d.Name)
	}

	keys := make([]string, 0, len(d.Aliases))
	seen := make(map[string]struct{}, len(d.Aliases))
	for _, alias := range d.Aliases {
		key := normalizeAlias(alias)
		if key == "" {
			return fmt.Errorf("%w: %q has a blank alias", ErrInvalidDescriptor, d.Name)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %q lists alias %q twice", ErrInvalidDescriptor, d.Name, alias)
		}
		if owner, taken := r.index[key]; taken {
			return fmt.Errorf("%w: %q wanted by %q, owned by %q", ErrAliasCollision, key, d.Name, owner.Name)
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	desc := d
	desc.Aliases = append([]string(nil), d.Aliases...)
	r.descriptors = append(r.descriptors, &desc)
	for _, key := range keys {
		r.index[key] = &desc
		if n := strings.Count(key, " ") + 1; n > r.maxWords {
			r.maxWords = n
		}
	}
	return nil
}

func (r *Registry) Freeze() { r.frozen = true }

func (r *Registry) Frozen() bool { return r.frozen }

// Descriptors returns descriptors in registration order.
func (r *Registry) Descriptors() []*Descriptor {
	return append([]*Descriptor(nil), r.descriptors...)
}

// Find resolves a command by name or any alias.
func (r *Registry) Find(nameOrAlias string) (*Descriptor, bool) {
	key := normalizeAlias(nameOrAlias)
	if d, ok := r.index[key]; ok {
		return d, true
	}
	for _, d := range r.descriptors {
		if fold(d.Name) == key {
			return d, true
		}
	}
	return nil, false
}

// Match is a successful lookup.
type Match struct {
	Descriptor *Descriptor
	Alias      string
	Rest       string
}

// Lookup finds the longest alias equal to the leading whitespace-delimited
// words of raw, compared case-insensitively. Rest is the text after the
// matched words with leading space removed.
func (r *Registry) Lookup(raw string) (Match, bool) {
	spans := wordSpans(raw)
	if len(spans) == 0 {
		return Match{}, false
	}
	for n := min(r.maxWords, len(spans)); n >= 1; n-- {
		words := make([]string, n)
		for i := 0; i < n; i++ {
			words[i] = raw[spans[i][0]:spans[i][1]]
		}
		key := fold(strings.Join(words, " "))
		if d, ok := r.index[key]; ok {
			rest := strings.TrimLeftFunc(raw[spans[n-1][1]:], unicode.IsSpace)
			return Match{Descriptor: d, Alias: key, Rest: strings.TrimRightFunc(rest, unicode.IsSpace)}, true
		}
	}
	return Match{}, false
}

func normalizeAlias(alias string) string {
	return fold(strings.Join(strings.Fields(alias), " "))
}

// wordSpans returns [start, end) byte offsets of each whitespace-separated word.
func wordSpans(s string) [][2]int {
	var spans [][2]int
	start := -1
	for i, r := range s {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, [2]int{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, [2]int{start, len(s)})
	}
	return spans
}
