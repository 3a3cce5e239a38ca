package quote

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kisdeck/kis-ticker/kis/kiserr"
)

// Field positions in a domestic real-time execution frame (H0UNCNT0).
const (
	domesticCode   = 0
	domesticPrice  = 2
	domesticSign   = 3
	domesticChange = 4
	domesticRate   = 5
)

// Field positions in an overseas delayed execution frame (HDFSCNT0).
const (
	overseasRsym = 0
	overseasSymb = 1
	overseasLast = 11
	overseasSign = 12
	overseasDiff = 13
	overseasRate = 14
)

// ParseDomestic turns a caret-split domestic payload into a Quote.
func ParseDomestic(fields []string, name string) (Quote, error) {
	if len(fields) <= domesticRate {
		return Quote{}, kiserr.Errorf(kiserr.MalformedFrame, "parse domestic", "got %d fields", len(fields))
	}
	price, err := Decimal(fields[domesticPrice])
	if err != nil {
		return Quote{}, kiserr.New(kiserr.MalformedFrame, "parse domestic price", err)
	}
	change, err := Decimal(fields[domesticChange])
	if err != nil {
		return Quote{}, kiserr.New(kiserr.MalformedFrame, "parse domestic change", err)
	}
	rate, err := Decimal(fields[domesticRate])
	if err != nil {
		return Quote{}, kiserr.New(kiserr.MalformedFrame, "parse domestic rate", err)
	}
	return New(strings.TrimSpace(fields[domesticCode]), name, price, change, rate, ParseSign(fields[domesticSign])), nil
}

// ParseOverseas turns a caret-split overseas payload into a Quote.
// The display ticker is the plain symbol, not the real-time key.
func ParseOverseas(fields []string, name string) (Quote, error) {
	if len(fields) <= overseasRate {
		return Quote{}, kiserr.Errorf(kiserr.MalformedFrame, "parse overseas", "got %d fields", len(fields))
	}
	price, err := Decimal(fields[overseasLast])
	if err != nil {
		return Quote{}, kiserr.New(kiserr.MalformedFrame, "parse overseas last", err)
	}
	change, err := Decimal(fields[overseasDiff])
	if err != nil {
		return Quote{}, kiserr.New(kiserr.MalformedFrame, "parse overseas diff", err)
	}
	rate, err := Decimal(fields[overseasRate])
	if err != nil {
		return Quote{}, kiserr.New(kiserr.MalformedFrame, "parse overseas rate", err)
	}
	ticker := strings.TrimSpace(fields[overseasSymb])
	if ticker == "" {
		ticker = strings.TrimSpace(fields[overseasRsym])
	}
	return New(ticker, name, price, change, rate, ParseSign(fields[overseasSign])), nil
}

// Decimal parses a KIS numeric field. Blank fields read as zero.
func Decimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
