// Package ticker handles B3 ticker symbol parsing, normalization and
// share-class classification.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Share classes derived from the ticker's numeric suffix.
const (
	ClassON   = "ON"   // ordinary shares (3)
	ClassPN   = "PN"   // preferred shares (4)
	ClassPNA  = "PNA"  // preferred class A (5)
	ClassPNB  = "PNB"  // preferred class B (6)
	ClassUnit = "UNIT" // units, FIIs and ETFs (11)
	ClassBDR  = "BDR"  // Brazilian depositary receipts (31-39)
	ClassOther = "OTHER"
)

// tickerRegex matches: {4 letter root}{1-2 digit class}{optional F for
// fractional market}. Examples: PETR4, VALE3, BOVA11, AAPL34, ITSA4F.
var tickerRegex = regexp.MustCompile(`^([A-Z]{4})(\d{1,2})(F?)$`)

// ErrInvalidTicker is returned for symbols that do not follow the B3 format.
var ErrInvalidTicker = errors.New("ticker: invalid B3 ticker symbol")

// Ticker is a parsed B3 symbol.
type Ticker struct {
	Symbol     string `json:"symbol"` // normalized, without the F suffix
	Root       string `json:"root"`   // 4-letter issuer root
	Number     int    `json:"number"` // numeric class suffix
	Class      string `json:"class"`
	Fractional bool   `json:"fractional"`
}

// Normalize upper-cases and trims a raw symbol. It does not validate.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Parse normalizes and validates a B3 ticker symbol.
func Parse(symbol string) (Ticker, error) {
	normalized := Normalize(symbol)

	matches := tickerRegex.FindStringSubmatch(normalized)
	if matches == nil {
		return Ticker{}, fmt.Errorf("%w: %q (expected e.g. PETR4, BOVA11)", ErrInvalidTicker, symbol)
	}

	number, err := strconv.Atoi(matches[2])
	if err != nil || number == 0 {
		return Ticker{}, fmt.Errorf("%w: %q", ErrInvalidTicker, symbol)
	}

	fractional := matches[3] == "F"
	return Ticker{
		Symbol:     matches[1] + matches[2],
		Root:       matches[1],
		Number:     number,
		Class:      classOf(number),
		Fractional: fractional,
	}, nil
}

// Valid reports whether symbol parses as a B3 ticker.
func Valid(symbol string) bool {
	_, err := Parse(symbol)
	return err == nil
}

func classOf(number int) string {
	switch number {
	case 3:
		return ClassON
	case 4:
		return ClassPN
	case 5:
		return ClassPNA
	case 6:
		return ClassPNB
	case 11:
		return ClassUnit
	}
	if number >= 31 && number <= 39 {
		return ClassBDR
	}
	return ClassOther
}
