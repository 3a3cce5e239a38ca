package quote

import "strings"

// Instrument identifies what a surface shows. Code is the six-digit stock
// code for domestic instruments and the ticker symbol for overseas ones.
type Instrument struct {
	Market   Market `json:"market"`
	Code     string `json:"code"`
	Exchange string `json:"exchange,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Normalize trims fields, upper-cases overseas symbols and defaults the market.
func (i Instrument) Normalize() Instrument {
	i.Code = strings.TrimSpace(i.Code)
	i.Exchange = strings.ToUpper(strings.TrimSpace(i.Exchange))
	i.Name = NormalizeName(i.Name)
	if i.Market != Overseas {
		i.Market = Domestic
		i.Exchange = ""
	} else {
		i.Code = strings.ToUpper(i.Code)
		if i.Exchange == "" {
			i.Exchange = "NAS"
		}
	}
	return i
}

// DisplayName is the configured name, or the code when none is set.
func (i Instrument) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Code
}
