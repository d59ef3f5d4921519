package geog

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/simim/internal/simerr"
)

// Coverage selects which countries' zones take part in a run.
type Coverage string

const (
	// EW is England and Wales.
	EW Coverage = "EW"
	// GB is England, Wales and Scotland.
	GB Coverage = "GB"
	// UK is GB plus Northern Ireland.
	UK Coverage = "UK"
)

// DefaultExclusions are zones dropped from the baseline OD data: City of
// London and the Isles of Scilly are census-merged into neighbouring zones.
var DefaultExclusions = []string{"E09000001", "E06000053"}

// ParseCoverage validates a coverage name.
func ParseCoverage(s string) (Coverage, error) {
	switch c := Coverage(strings.ToUpper(strings.TrimSpace(s))); c {
	case EW, GB, UK:
		return c, nil
	default:
		return "", eris.Wrapf(simerr.ErrConfiguration, "geog: invalid coverage %q", s)
	}
}

// Includes reports whether a zone code belongs to the coverage.
// Northern Ireland zones use either N-prefixed codes or legacy 95xx codes.
func (c Coverage) Includes(code string) bool {
	if code == "" {
		return false
	}
	switch code[0] {
	case 'E', 'W':
		return true
	case 'S':
		return c == GB || c == UK
	case 'N':
		return c == UK
	}
	if strings.HasPrefix(code, "95") {
		return c == UK
	}
	return false
}

// Filter keeps the codes included by the coverage and not in exclude.
func (c Coverage) Filter(codes []string, exclude []string) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		if _, ok := skip[code]; ok {
			continue
		}
		if c.Includes(code) {
			out = append(out, code)
		}
	}
	return out
}
