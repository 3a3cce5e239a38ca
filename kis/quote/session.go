package quote

import (
	"strings"
	"time"
	_ "time/tzdata"
)

// Session is the trading phase of a market at a point in time.
type Session string

const (
	Pre    Session = "PRE"
	Reg    Session = "REG"
	Aft    Session = "AFT"
	Closed Session = "CLOSED"
)

var (
	kst = mustLoad("Asia/Seoul")
	et  = mustLoad("America/New_York")
)

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// window is a half-open [from, to) range in minutes after local midnight.
type window struct {
	from, to int
	session  Session
}

var (
	domesticWindows = []window{
		{8*60 + 30, 9 * 60, Pre},
		{9 * 60, 15*60 + 30, Reg},
		{15*60 + 40, 18 * 60, Aft},
	}
	overseasWindows = []window{
		{4 * 60, 9*60 + 30, Pre},
		{9*60 + 30, 16 * 60, Reg},
		{16 * 60, 20 * 60, Aft},
	}
)

func minutesIn(t time.Time, loc *time.Location) int {
	local := t.In(loc)
	return local.Hour()*60 + local.Minute()
}

// SessionAt returns the session of market at t. Domestic hours are KST,
// overseas hours are US Eastern with daylight saving applied.
func SessionAt(market Market, t time.Time) Session {
	windows, loc := domesticWindows, kst
	if market == Overseas {
		windows, loc = overseasWindows, et
	}
	m := minutesIn(t, loc)
	for _, w := range windows {
		if m >= w.from && m < w.to {
			return w.session
		}
	}
	return Closed
}

var (
	nightPrefix = map[string]string{"NYS": "DNYS", "NAS": "DNAS", "AMS": "DAMS"}
	dayPrefix   = map[string]string{"NYS": "RBAY", "NAS": "RBAQ", "AMS": "RBAA"}
)

// IsOverseasDayTrading reports whether t falls in the KST daytime session
// (09:00 to 15:30) during which US equities trade on the day venue.
func IsOverseasDayTrading(t time.Time) bool {
	m := minutesIn(t, kst)
	return m >= 9*60 && m < 15*60+30
}

// OverseasKey derives the real-time subscription key for an overseas ticker.
func OverseasKey(exchange, ticker string, t time.Time) string {
	exchange = strings.ToUpper(strings.TrimSpace(exchange))
	prefixes, fallback := nightPrefix, "DNAS"
	if IsOverseasDayTrading(t) {
		prefixes, fallback = dayPrefix, "RBAQ"
	}
	prefix, ok := prefixes[exchange]
	if !ok {
		prefix = fallback
	}
	return prefix + strings.ToUpper(strings.TrimSpace(ticker))
}
