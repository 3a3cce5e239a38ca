// Package quote holds the normalized price model shared by the streaming and
// snapshot paths, along with the wire-field parsers and market calendars.
package quote

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Sign is the direction of a price move against the previous close.
type Sign string

const (
	Rise Sign = "rise"
	Fall Sign = "fall"
	Flat Sign = "flat"
)

// Market selects the venue family of a surface.
type Market string

const (
	Domestic Market = "domestic"
	Overseas Market = "overseas"
)

// StreamState is the perceived connection quality shown on a card.
type StreamState string

const (
	Live   StreamState = "LIVE"
	Backup StreamState = "BACKUP"
	Broken StreamState = "BROKEN"
)

// Source tells which path produced a quote.
type Source string

const (
	SourceLive   Source = "live"
	SourceBackup Source = "backup"
)

// Quote is an immutable normalized price record.
type Quote struct {
	Ticker string
	Name   string
	Price  decimal.Decimal
	Change decimal.Decimal
	Rate   decimal.Decimal
	Sign   Sign
}

// New builds a Quote whose Change and Rate agree with sign.
// A fall carries negative values and a rise non-negative ones. A flat sign
// with a non-zero change is replaced by the direction of the change.
func New(ticker, name string, price, change, rate decimal.Decimal, sign Sign) Quote {
	if sign == Flat || sign == "" {
		switch {
		case change.IsNegative():
			sign = Fall
		case change.IsPositive():
			sign = Rise
		default:
			sign = Flat
		}
	}
	switch sign {
	case Fall:
		change = change.Abs().Neg()
		rate = rate.Abs().Neg()
	case Rise:
		change = change.Abs()
		rate = rate.Abs()
	}
	name = NormalizeName(name)
	if name == "" {
		name = ticker
	}
	return Quote{
		Ticker: ticker,
		Name:   name,
		Price:  price,
		Change: change,
		Rate:   rate,
		Sign:   sign,
	}
}

// ParseSign maps a KIS sign code to a Sign.
// 1 upper limit, 2 rise, 3 flat, 4 lower limit, 5 fall.
func ParseSign(code string) Sign {
	switch strings.TrimSpace(code) {
	case "1", "2":
		return Rise
	case "4", "5":
		return Fall
	}
	return Flat
}

// NormalizeName trims a display name and composes it to NFC so that Hangul
// typed on different platforms renders and fingerprints identically.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}
