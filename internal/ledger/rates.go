package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// IdentityRate is the value reported for a pair with no defined rate.
// A stored rate of exactly 1.0 is indistinguishable from "unset" once it
// crosses the wire.
const IdentityRate = 1.0

// RatePair is one directed exchange rate
type RatePair struct {
	From Currency
	To   Currency
	Rate float64
}

// Key returns the wire key of the pair, "FROM_TO"
func (p RatePair) Key() string {
	return RateKey(p.From, p.To)
}

// RateKey builds the wire key for a currency pair
func RateKey(from, to Currency) string {
	return from.Code() + "_" + to.Code()
}

// ParseRateKey splits a "FROM_TO" key into its currencies
func ParseRateKey(key string) (Currency, Currency, error) {
	parts := strings.Split(key, "_")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed rate key %q", key)
	}
	from, err := ParseCurrency(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("rate key %q: %w", key, err)
	}
	to, err := ParseCurrency(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("rate key %q: %w", key, err)
	}
	return from, to, nil
}

// RateTable holds exchange rates indexed by currency pair. It is a plain
// value: copying it copies every rate.
type RateTable struct {
	rates   [numCurrencies][numCurrencies]float64
	defined [numCurrencies][numCurrencies]bool
}

// Rate returns the rate for from->to, or IdentityRate if none is defined
func (t RateTable) Rate(from, to Currency) float64 {
	if !from.Valid() || !to.Valid() || from == to || !t.defined[from][to] {
		return IdentityRate
	}
	return t.rates[from][to]
}

// Defined reports whether a rate was set for the pair
func (t RateTable) Defined(from, to Currency) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return t.defined[from][to]
}

// Set records a rate. Pairs of a currency with itself are ignored.
func (t *RateTable) Set(from, to Currency, rate float64) {
	if !from.Valid() || !to.Valid() || from == to {
		return
	}
	t.rates[from][to] = rate
	t.defined[from][to] = true
}

// Pairs lists the defined rates ordered by (from, to)
func (t RateTable) Pairs() []RatePair {
	var pairs []RatePair
	for from := Currency(0); from < numCurrencies; from++ {
		for to := Currency(0); to < numCurrencies; to++ {
			if t.defined[from][to] {
				pairs = append(pairs, RatePair{From: from, To: to, Rate: t.rates[from][to]})
			}
		}
	}
	return pairs
}

// Len returns the number of defined rates
func (t RateTable) Len() int {
	n := 0
	for from := range t.defined {
		for to := range t.defined[from] {
			if t.defined[from][to] {
				n++
			}
		}
	}
	return n
}

// Convert converts amount using the table; undefined pairs pass through.
func (t RateTable) Convert(amount float64, from, to Currency) float64 {
	return amount * t.Rate(from, to)
}

// MarshalJSON encodes the table as the wire's flat {"FROM_TO": rate} map
func (t RateTable) MarshalJSON() ([]byte, error) {
	flat := make(map[string]float64)
	for _, p := range t.Pairs() {
		flat[p.Key()] = p.Rate
	}
	return json.Marshal(flat)
}

// UnmarshalJSON decodes a flat rate map. Keys naming currencies outside the
// supported set are skipped.
func (t *RateTable) UnmarshalJSON(data []byte) error {
	var flat map[string]float64
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*t = RateTable{}
	for key, rate := range flat {
		from, to, err := ParseRateKey(key)
		if err != nil {
			continue
		}
		t.Set(from, to, rate)
	}
	return nil
}
