// Package render draws the 144px SVG cards shown on a surface and caches
// their display encoding.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/kisdeck/kis-ticker/kis/kiserr"
	"github.com/kisdeck/kis-ticker/kis/quote"
)

//go:embed templates/cards.svg.tmpl
var templateFS embed.FS

const (
	colorRise          = "#00c853"
	colorFall          = "#ff1744"
	colorFlat          = "#9e9e9e"
	colorText          = "#ffffff"
	colorTextStale     = "#ffd54f"
	colorSessionReg    = "#00c853"
	colorSessionOther  = "#ff9800"
	colorSessionClosed = "#616161"
	colorConnLive      = "#00c853"
	colorConnBackup    = "#ffd54f"
	colorConnBroken    = "#ff1744"

	nameLimit = 6
)

// SetupMissingCode is the setup card message for a surface without a code.
const SetupMissingCode = "종목코드를 설정하세요"

// StockView is everything a stock card depends on. Two equal views always
// draw the same card.
type StockView struct {
	Quote   quote.Quote
	Market  quote.Market
	Session quote.Session
	State   quote.StreamState
	Stale   bool
}

type cardData struct {
	Title       string
	TitleColor  string
	Badge       string
	BadgeColor  string
	Status      string
	StatusColor string
	Message     string
	Price       string
	PriceSize   int
	Change      string
	Rate        string
	ChangeColor string
	Line        string
}

// Cards renders card SVGs from the embedded templates.
type Cards struct {
	tmpl *template.Template
}

// NewCards parses the card templates.
func NewCards() (*Cards, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/cards.svg.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse card templates: %w", err)
	}
	return &Cards{tmpl: tmpl}, nil
}

func (c *Cards) execute(name string, data cardData) (string, error) {
	var buf bytes.Buffer
	if err := c.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s card: %w", name, err)
	}
	return buf.String(), nil
}

func header(name string, session quote.Session) cardData {
	if name == "" {
		name = "---"
	}
	return cardData{
		Title:      Truncate(name, nameLimit),
		TitleColor: colorText,
		Badge:      sessionBadge(session),
		BadgeColor: sessionColor(session),
	}
}

// Waiting is shown while the first price is outstanding.
func (c *Cards) Waiting(name string, session quote.Session) (string, error) {
	return c.execute("waiting", header(name, session))
}

// Connected is shown once the subscription is acknowledged but no price
// has arrived yet.
func (c *Cards) Connected(name string, session quote.Session) (string, error) {
	d := header(name, session)
	d.Status, d.StatusColor = "데이터 대기", colorFlat
	if session == quote.Closed {
		d.Status, d.StatusColor = "장 마감", colorSessionClosed
	}
	return c.execute("connected", d)
}

// Recovery is the transient notice shown when the stream comes back.
func (c *Cards) Recovery(name string, session quote.Session) (string, error) {
	return c.execute("recovery", header(name, session))
}

// Error shows a terminal failure of the given kind.
func (c *Cards) Error(kind kiserr.Kind) (string, error) {
	return c.execute("error", cardData{Message: kind.Label()})
}

// Setup asks the user to finish configuring the surface.
func (c *Cards) Setup(message string) (string, error) {
	return c.execute("setup", cardData{Message: message})
}

// Stock draws a price card.
func (c *Cards) Stock(v StockView) (string, error) {
	d := header(v.Quote.Name, v.Session)
	if v.Stale {
		d.TitleColor = colorTextStale
	}
	d.Price = FormatPrice(v.Quote.Price, v.Market)
	d.PriceSize = priceFontSize(d.Price)
	d.Change = FormatChange(v.Quote.Change, v.Quote.Sign, v.Market)
	d.Rate = FormatRate(v.Quote.Rate)
	d.ChangeColor = signColor(v.Quote.Sign)
	d.Line = connectionColor(v.State)
	return c.execute("stock", d)
}

// FormatPrice renders a domestic price with thousands separators and an
// overseas one as dollars with two decimals.
func FormatPrice(price decimal.Decimal, market quote.Market) string {
	if market == quote.Domestic {
		return humanize.Comma(price.Round(0).IntPart())
	}
	return "$" + price.StringFixed(2)
}

// FormatChange renders the absolute change prefixed by a direction arrow.
func FormatChange(change decimal.Decimal, sign quote.Sign, market quote.Market) string {
	var s string
	if market == quote.Domestic {
		s = humanize.Comma(change.Abs().Round(0).IntPart())
	} else {
		s = change.Abs().StringFixed(2)
	}
	switch sign {
	case quote.Rise:
		return "▲ " + s
	case quote.Fall:
		return "▼ " + s
	}
	return s
}

// FormatRate renders the absolute change rate as a percentage.
func FormatRate(rate decimal.Decimal) string {
	return rate.Abs().StringFixed(2) + "%"
}

// Truncate shortens s to limit runes, ending in an ellipsis when cut.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

func priceFontSize(s string) int {
	switch n := len(s); {
	case n <= 5:
		return 36
	case n <= 7:
		return 30
	case n <= 9:
		return 26
	case n <= 11:
		return 22
	}
	return 18
}

func signColor(s quote.Sign) string {
	switch s {
	case quote.Rise:
		return colorRise
	case quote.Fall:
		return colorFall
	}
	return colorFlat
}

func sessionColor(s quote.Session) string {
	switch s {
	case quote.Reg:
		return colorSessionReg
	case quote.Closed:
		return colorSessionClosed
	}
	return colorSessionOther
}

func sessionBadge(s quote.Session) string {
	switch s {
	case quote.Reg:
		return "●"
	case quote.Pre:
		return "◐"
	case quote.Aft:
		return "◑"
	}
	return "○"
}

func connectionColor(s quote.StreamState) string {
	switch s {
	case quote.Live:
		return colorConnLive
	case quote.Backup:
		return colorConnBackup
	case quote.Broken:
		return colorConnBroken
	}
	return ""
}
