package deck

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/kisdeck/kis-ticker/kis/quote"
	"github.com/kisdeck/kis-ticker/kis/render"
)

func view(cents int64, state quote.StreamState, stale bool) render.StockView {
	price := decimal.New(cents, -2)
	q := quote.New("005930", "삼성전자", price, decimal.Zero, decimal.Zero, quote.Flat)
	return render.StockView{Quote: q, Market: quote.Domestic, Session: quote.Reg, State: state, Stale: stale}
}

func TestFingerprintFormat(t *testing.T) {
	v := view(7150000, quote.Live, false)
	assert.Equal(t, "005930|삼성전자|71500.00|0.00|0.00|flat|LIVE|FRESH|domestic|REG", Fingerprint(v))

	v.State = ""
	v.Stale = true
	assert.Equal(t, "005930|삼성전자|71500.00|0.00|0.00|flat|NONE|STALE|domestic|REG", Fingerprint(v))
}

func TestNormalizeRoundsToFingerprintPrecision(t *testing.T) {
	q := quote.New("AAPL", "Apple", decimal.RequireFromString("182.504"),
		decimal.RequireFromString("1.2449"), decimal.RequireFromString("0.685"), quote.Rise)
	n := normalize(q)
	assert.Equal(t, "182.5", n.Price.String())
	assert.Equal(t, "1.24", n.Change.String())
	assert.Equal(t, "0.69", n.Rate.String())
}

// Equal inputs give equal fingerprints and different inputs differ.
func TestFingerprintIsPureAndInjective(t *testing.T) {
	states := []quote.StreamState{"", quote.Live, quote.Backup, quote.Broken}
	rapid.Check(t, func(t *rapid.T) {
		a := view(rapid.Int64Range(0, 1e9).Draw(t, "a"), rapid.SampledFrom(states).Draw(t, "sa"), rapid.Bool().Draw(t, "fa"))
		b := view(rapid.Int64Range(0, 1e9).Draw(t, "b"), rapid.SampledFrom(states).Draw(t, "sb"), rapid.Bool().Draw(t, "fb"))

		if Fingerprint(a) != Fingerprint(a) {
			t.Fatal("fingerprint is not deterministic")
		}
		same := a.Quote.Price.Equal(b.Quote.Price) && a.State == b.State && a.Stale == b.Stale
		if same != (Fingerprint(a) == Fingerprint(b)) {
			t.Fatalf("fingerprint equality %v for inputs equal %v", Fingerprint(a) == Fingerprint(b), same)
		}
	})
}

func TestTargetState(t *testing.T) {
	assert.Equal(t, quote.Live, targetState("", quote.SourceLive))
	assert.Equal(t, quote.Live, targetState(quote.Broken, quote.SourceLive))
	assert.Equal(t, quote.Live, targetState(quote.Live, quote.SourceBackup))
	assert.Equal(t, quote.Backup, targetState(quote.Broken, quote.SourceBackup))
	assert.Equal(t, quote.Backup, targetState("", quote.SourceBackup))
}
