// Package catalog resolves free-text title queries to catalog identities.
//
// The real catalog lives in another service. Static is the stand-in used by
// the server and tests: an exact, case-insensitive lookup over titles
// registered at startup.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/warp/circulation-engine/circulation"
)

// Static implements circulation.TitleResolver.
type Static struct {
	mu     sync.RWMutex
	titles map[string]circulation.TitleRef
}

var _ circulation.TitleResolver = (*Static)(nil)

func NewStatic() *Static {
	return &Static{titles: make(map[string]circulation.TitleRef)}
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Register maps a display title to ref. The ref itself always resolves.
func (s *Static) Register(title string, ref circulation.TitleRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[normalize(title)] = ref
	s.titles[normalize(string(ref))] = ref
}

func (s *Static) Resolve(_ context.Context, query string) (circulation.TitleRef, error) {
	key := normalize(query)
	if key == "" {
		return "", fmt.Errorf("empty title query: %w", circulation.ErrTitleNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.titles[key]
	if !ok {
		return "", fmt.Errorf("%q: %w", query, circulation.ErrTitleNotFound)
	}
	return ref, nil
}

// Refs lists every registered title reference once, sorted.
func (s *Static) Refs() []circulation.TitleRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[circulation.TitleRef]bool)
	var refs []circulation.TitleRef
	for _, ref := range s.titles {
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}
