// Package topology describes the gate graph of a park and assigns node
// identities to its gates.
//
// A Map names gates and their neighbours. ParkMap is the ten gate demo park
// used by the command line tools and the integration tests.
package topology

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

// Identity ranges used by Assign.
const (
	MinID       = 100
	MaxID       = 999
	MinCapacity = 1
	MaxCapacity = 10
	DefaultPort = 8001
)

var (
	// ErrInvalidMap is returned when a map is malformed or not connected.
	ErrInvalidMap = errors.New("invalid topology")
	// ErrUnknownGate is returned when a gate name is not part of the map.
	ErrUnknownGate = errors.New("unknown gate")
)

// Map is an undirected gate graph keyed by gate name.
type Map map[string][]string

// ParkMap returns the demo park: ten gates a..j.
func ParkMap() Map {
	return Map{
		"a": {"b", "j"},
		"b": {"a", "g", "c"},
		"c": {"b", "d", "e"},
		"d": {"c", "e", "f"},
		"e": {"c", "d", "f", "g"},
		"f": {"d", "e", "i"},
		"g": {"b", "e", "h", "j"},
		"h": {"g", "i"},
		"i": {"f", "h"},
		"j": {"a", "g"},
	}
}

// Parse reads a map written as "a:b,j;b:a,g,c;...". Edges listed on only
// one side are added to both, so "a:b" is the same graph as "a:b;b:a".
func Parse(s string) (Map, error) {
	m := make(Map)
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, list, ok := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: bad entry %q", ErrInvalidMap, entry)
		}
		if _, exists := m[name]; !exists {
			m[name] = nil
		}

		for _, n := range strings.Split(list, ",") {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			m.link(name, n)
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m Map) link(a, b string) {
	if !contains(m[a], b) {
		m[a] = append(m[a], b)
	}
	if !contains(m[b], a) {
		m[b] = append(m[b], a)
	}
}

// Validate checks that the map is non-empty, symmetric, free of self loops
// and connected.
func (m Map) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("%w: no gates", ErrInvalidMap)
	}

	for name, neighbours := range m {
		for _, n := range neighbours {
			if n == name {
				return fmt.Errorf("%w: gate %s lists itself", ErrInvalidMap, name)
			}
			back, ok := m[n]
			if !ok {
				return fmt.Errorf("%w: gate %s links to unknown gate %s", ErrInvalidMap, name, n)
			}
			if !contains(back, name) {
				return fmt.Errorf("%w: link %s-%s is one sided", ErrInvalidMap, name, n)
			}
		}
	}

	names := m.Names()
	seen := map[string]bool{names[0]: true}
	stack := []string{names[0]}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, n := range m[cur] {
			if !seen[n] {
				seen[n] = true
				stack = append(stack, n)
			}
		}
	}
	if len(seen) != len(m) {
		return fmt.Errorf("%w: %d of %d gates reachable from %s", ErrInvalidMap, len(seen), len(m), names[0])
	}
	return nil
}

// Names returns the gate names in sorted order.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String renders the map in the form accepted by Parse.
func (m Map) String() string {
	entries := make([]string, 0, len(m))
	for _, name := range m.Names() {
		entries = append(entries, name+":"+strings.Join(m[name], ","))
	}
	return strings.Join(entries, ";")
}

// Assign gives every gate a unique random ID in [MinID, MaxID], a random
// capacity in [MinCapacity, MaxCapacity] and a port counting up from
// basePort in name order.
func (m Map) Assign(host string, basePort int, rng *rand.Rand) (map[string]message.NodeIdentity, error) {
	names := m.Names()
	if len(names) > MaxID-MinID+1 {
		return nil, fmt.Errorf("%w: %d gates exceed the ID range", ErrInvalidMap, len(names))
	}

	ids := rng.Perm(MaxID - MinID + 1)
	out := make(map[string]message.NodeIdentity, len(names))
	for i, name := range names {
		capacity := MinCapacity + rng.Intn(MaxCapacity-MinCapacity+1)
		out[name] = message.NewIdentity(MinID+ids[i], host, basePort+i, capacity)
	}
	return out, nil
}

// Neighbours resolves the neighbour identities of a gate.
func (m Map) Neighbours(name string, ids map[string]message.NodeIdentity) ([]message.NodeIdentity, error) {
	list, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGate, name)
	}

	out := make([]message.NodeIdentity, 0, len(list))
	for _, n := range list {
		id, ok := ids[n]
		if !ok {
			return nil, fmt.Errorf("%w: no identity for %s", ErrUnknownGate, n)
		}
		out = append(out, id)
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
