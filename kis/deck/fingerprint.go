package deck

import (
	"strings"

	"github.com/kisdeck/kis-ticker/kis/quote"
	"github.com/kisdeck/kis-ticker/kis/render"
)

const fingerprintPlaces = 2

// normalize rounds the numeric fields to the precision the fingerprint
// carries, so the card is drawn from exactly the values it is keyed by.
func normalize(q quote.Quote) quote.Quote {
	q.Price = q.Price.Round(fingerprintPlaces)
	q.Change = q.Change.Round(fingerprintPlaces)
	q.Rate = q.Rate.Round(fingerprintPlaces)
	return q
}

// Fingerprint identifies the visual content of a stock card.
func Fingerprint(v render.StockView) string {
	state := string(v.State)
	if state == "" {
		state = "NONE"
	}
	freshness := "FRESH"
	if v.Stale {
		freshness = "STALE"
	}
	return strings.Join([]string{
		v.Quote.Ticker,
		v.Quote.Name,
		v.Quote.Price.StringFixed(fingerprintPlaces),
		v.Quote.Change.StringFixed(fingerprintPlaces),
		v.Quote.Rate.StringFixed(fingerprintPlaces),
		string(v.Quote.Sign),
		state,
		freshness,
		string(v.Market),
		string(v.Session),
	}, "|")
}
