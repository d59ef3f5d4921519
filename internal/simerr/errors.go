// Package simerr defines the error taxonomy shared by the simulation packages.
//
// Each kind is a sentinel; packages wrap it with eris so callers can test the
// kind with errors.Is while keeping the wrapped context in the message.
package simerr

import (
	"errors"

	"github.com/rotisserie/eris"
)

var (
	// ErrConfiguration reports invalid coverage, model or output settings. Fatal at startup.
	ErrConfiguration = eris.New("configuration error")
	// ErrUnknownZone reports a zone code absent from the geography index.
	ErrUnknownZone = eris.New("unknown zone")
	// ErrMissingKey reports a required column or join key that is absent.
	ErrMissingKey = eris.New("missing key")
	// ErrFitConvergence reports that the flow model estimator did not converge.
	ErrFitConvergence = eris.New("fit did not converge")
	// ErrNoScenario reports a scenario year with no current or earlier scenario rows.
	ErrNoScenario = eris.New("no scenario")
	// ErrInvalidInput reports malformed numeric input (negative flows, non-positive masses, length mismatches).
	ErrInvalidInput = eris.New("invalid input")
)

// Kind returns the name of the taxonomy kind err belongs to, or "" if none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "ConfigurationError"
	case errors.Is(err, ErrUnknownZone):
		return "UnknownZone"
	case errors.Is(err, ErrMissingKey):
		return "MissingKeyError"
	case errors.Is(err, ErrFitConvergence):
		return "FitConvergenceError"
	case errors.Is(err, ErrNoScenario):
		return "NoScenarioError"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	default:
		return ""
	}
}
