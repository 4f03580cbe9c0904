package cost

import "math"

// Rates holds probe pricing in USD.
type Rates struct {
	SERPPer1K map[string]float64 `yaml:"serp_per_1k" mapstructure:"serp_per_1k"`
}

// Calculator estimates the spend of a validation batch.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Probes returns the cost of n probe calls against provider, rounded to the
// cent fraction the providers bill in. Unknown providers cost nothing.
func (c *Calculator) Probes(provider string, n int) float64 {
	rate, ok := c.rates.SERPPer1K[provider]
	if !ok || n <= 0 {
		return 0
	}
	return math.Round(float64(n)*rate/1000*1e4) / 1e4
}

// DefaultRates returns list prices for the supported SERP providers.
func DefaultRates() Rates {
	return Rates{
		SERPPer1K: map[string]float64{
			"serper":  1.00,
			"serpapi": 15.00,
		},
	}
}

// WithOverride returns a copy of r where provider costs perK per thousand.
// A non-positive perK keeps the existing rate.
func (r Rates) WithOverride(provider string, perK float64) Rates {
	out := Rates{SERPPer1K: make(map[string]float64, len(r.SERPPer1K)+1)}
	for k, v := range r.SERPPer1K {
		out.SERPPer1K[k] = v
	}
	if perK > 0 {
		out.SERPPer1K[provider] = perK
	}
	return out
}
