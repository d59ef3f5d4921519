// Package geog provides the canonical zone ordering shared by every matrix in a run.
package geog

import (
	"sort"

	"github.com/sells-group/simim/internal/simerr"
)

// UnknownZoneError reports a zone code that is not part of an Index.
type UnknownZoneError struct {
	Code string
}

func (e *UnknownZoneError) Error() string {
	return "geog: unknown zone " + e.Code
}

// Unwrap lets errors.Is match simerr.ErrUnknownZone.
func (e *UnknownZoneError) Unwrap() error {
	return simerr.ErrUnknownZone
}

// Index is an immutable, ordered set of zone codes. Positions are stable for
// the lifetime of the Index and follow ascending code order.
type Index struct {
	codes []string
	pos   map[string]int
}

// NewIndex builds an Index from codes. Duplicates and empty codes are dropped.
func NewIndex(codes []string) *Index {
	seen := make(map[string]struct{}, len(codes))
	uniq := make([]string, 0, len(codes))
	for _, c := range codes {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		uniq = append(uniq, c)
	}
	sort.Strings(uniq)

	pos := make(map[string]int, len(uniq))
	for i, c := range uniq {
		pos[c] = i
	}
	return &Index{codes: uniq, pos: pos}
}

// Len returns the number of zones.
func (x *Index) Len() int { return len(x.codes) }

// Pos returns the matrix position of code.
func (x *Index) Pos(code string) (int, error) {
	p, ok := x.pos[code]
	if !ok {
		return 0, &UnknownZoneError{Code: code}
	}
	return p, nil
}

// Code returns the zone at position p. It panics if p is out of range.
func (x *Index) Code(p int) string { return x.codes[p] }

// Contains reports whether code is in the index.
func (x *Index) Contains(code string) bool {
	_, ok := x.pos[code]
	return ok
}

// Codes returns a copy of the ordered zone codes.
func (x *Index) Codes() []string {
	out := make([]string, len(x.codes))
	copy(out, x.codes)
	return out
}

// Equal reports whether both indexes hold the same zones in the same order.
func (x *Index) Equal(o *Index) bool {
	if x == o {
		return true
	}
	if x == nil || o == nil || len(x.codes) != len(o.codes) {
		return false
	}
	for i := range x.codes {
		if x.codes[i] != o.codes[i] {
			return false
		}
	}
	return true
}
