package ledger

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
)

// Currency is one of the currencies the ledger knows about. The set is
// closed; the zero value is the default currency.
type Currency uint8

const (
	CurrencyPHP Currency = iota
	CurrencyCNY
	CurrencyUSD

	numCurrencies
)

// DefaultCurrency is the base currency of a fresh ledger
const DefaultCurrency = CurrencyPHP

var currencyCodes = [numCurrencies]string{
	CurrencyPHP: money.PHP,
	CurrencyCNY: money.CNY,
	CurrencyUSD: money.USD,
}

// Currencies returns every supported currency in declaration order
func Currencies() []Currency {
	out := make([]Currency, 0, numCurrencies)
	for c := Currency(0); c < numCurrencies; c++ {
		out = append(out, c)
	}
	return out
}

// ParseCurrency resolves an ISO 4217 code (case-insensitive)
func ParseCurrency(code string) (Currency, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for c, known := range currencyCodes {
		if known == code {
			return Currency(c), nil
		}
	}
	return 0, fmt.Errorf("unsupported currency %q", code)
}

// Valid reports whether c is a member of the closed set
func (c Currency) Valid() bool {
	return c < numCurrencies
}

// Code returns the ISO 4217 code
func (c Currency) Code() string {
	if !c.Valid() {
		return "???"
	}
	return currencyCodes[c]
}

// Symbol returns the display grapheme from the go-money currency table
func (c Currency) Symbol() string {
	if cur := money.GetCurrency(c.Code()); cur != nil {
		return cur.Grapheme
	}
	return c.Code()
}

func (c Currency) String() string {
	return c.Code()
}

func (c Currency) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid currency %d", c)
	}
	return []byte(c.Code()), nil
}

func (c *Currency) UnmarshalText(text []byte) error {
	parsed, err := ParseCurrency(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
