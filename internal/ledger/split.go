package ledger

import (
	"fmt"
	"math"
)

// rateTolerance bounds the float error accepted when validating that a rate
// triple sums to 1.0.
const rateTolerance = 1e-9

// Rates is the fixed-percentage revenue split configuration.
type Rates struct {
	Patient  float64
	Hospital float64
	Platform float64
}

// DefaultRates returns the standard 60/25/15 split.
func DefaultRates() Rates {
	return Rates{Patient: 0.60, Hospital: 0.25, Platform: 0.15}
}

// Validate checks the triple sums to 1.0 and contains no negative rate.
func (r Rates) Validate() error {
	if r.Patient < 0 || r.Hospital < 0 || r.Platform < 0 {
		return fmt.Errorf("%w: negative rate", ErrInvalidSplit)
	}
	sum := r.Patient + r.Hospital + r.Platform
	if math.Abs(sum-1.0) > rateTolerance {
		return fmt.Errorf("%w: got %.4f", ErrInvalidSplit, sum)
	}
	return nil
}

// Split holds the three computed shares in the ledger-native minor unit.
// Patient + Hospital + Platform always reconstructs the input total exactly.
type Split struct {
	Patient  int64
	Hospital int64
	Platform int64
}

// Total returns the reconstructed total.
func (s Split) Total() int64 {
	return s.Patient + s.Hospital + s.Platform
}

// ComputeRevenueSplit divides a total amount (in minor units) by the given
// rates. Patient and hospital shares round down; the platform share absorbs
// the rounding remainder, guaranteeing exact reconciliation.
func ComputeRevenueSplit(total int64, rates Rates) (Split, error) {
	if err := rates.Validate(); err != nil {
		return Split{}, err
	}
	if total < 0 {
		return Split{}, fmt.Errorf("%w: negative total %d", ErrInvalidSplit, total)
	}

	patient := int64(math.Floor(float64(total) * rates.Patient))
	hospital := int64(math.Floor(float64(total) * rates.Hospital))
	return Split{
		Patient:  patient,
		Hospital: hospital,
		Platform: total - patient - hospital,
	}, nil
}
