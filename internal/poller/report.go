package poller

import (
	"errors"

	"pricewatch/internal/evaluate"
	"pricewatch/internal/lookup"
	"pricewatch/internal/storage"
)

// FailureKind classifies why an item could not be processed.
type FailureKind string

const (
	FailureLookup      FailureKind = "lookup_failed"
	FailurePersistence FailureKind = "persistence"
	FailureConfig      FailureKind = "configuration"
	FailureOther       FailureKind = "other"
)

// Failure is one item-level problem collected during a cycle.
type Failure struct {
	ItemID int64       `json:"item_id"`
	Kind   FailureKind `json:"kind"`
	Err    error       `json:"-"`
	Reason string      `json:"reason"`
}

// Report summarises one polling cycle.
type Report struct {
	Items      int       `json:"items"`
	Polled     int       `json:"polled"`
	Skipped    int       `json:"skipped"`
	Admitted   int       `json:"admitted"`
	Suppressed int       `json:"suppressed"`
	Failures   []Failure `json:"failures,omitempty"`
}

func (r *Report) merge(o itemOutcome) {
	if o.polled {
		r.Polled++
	}
	r.Admitted += o.admitted
	r.Suppressed += o.suppressed
	r.Failures = append(r.Failures, o.failures...)
}

func newFailure(itemID int64, err error) Failure {
	return Failure{ItemID: itemID, Kind: classify(err), Err: err, Reason: err.Error()}
}

func classify(err error) FailureKind {
	var (
		lookupErr  *lookup.FailedError
		persistErr *storage.PersistenceError
		configErr  *evaluate.ConfigError
	)
	switch {
	case errors.As(err, &lookupErr):
		return FailureLookup
	case errors.As(err, &persistErr):
		return FailurePersistence
	case errors.As(err, &configErr):
		return FailureConfig
	default:
		return FailureOther
	}
}
