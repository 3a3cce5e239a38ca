// Package rest fetches point-in-time price snapshots from the KIS REST API.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kisdeck/kis-ticker/kis/kiserr"
	"github.com/kisdeck/kis-ticker/kis/quote"
	"github.com/kisdeck/kis-ticker/kis/settings"
)

const (
	// DefaultBaseURL is the production REST endpoint.
	DefaultBaseURL = "https://openapi.koreainvestment.com:9443"

	trDomesticPrice = "FHKST01010100"
	trOverseasPrice = "HHDFS00000300"

	domesticPricePath = "/uapi/domestic-stock/v1/quotations/inquire-price"
	overseasPricePath = "/uapi/overseas-price/v1/quotations/price"
)

var overseasExchanges = map[string]bool{"NYS": true, "NAS": true, "AMS": true}

// CredentialSource supplies credentials, waiting briefly for them at startup.
type CredentialSource interface {
	WaitUntilReady(ctx context.Context, timeout time.Duration) (settings.Credentials, bool)
}

// TokenSource issues REST bearer tokens.
type TokenSource interface {
	AccessToken(ctx context.Context, creds settings.Credentials) (string, error)
}

// Config holds configuration for creating a new Fetcher.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials CredentialSource
	Tokens      TokenSource
	Logger      *slog.Logger
	// SettingsWait bounds the wait for credentials. Zero means the settings default.
	SettingsWait time.Duration
}

// Fetcher retrieves snapshots for domestic and overseas instruments.
type Fetcher struct {
	baseURL      string
	http         *http.Client
	creds        CredentialSource
	tokens       TokenSource
	logger       *slog.Logger
	settingsWait time.Duration
}

// New creates a new Fetcher.
func New(cfg Config) *Fetcher {
	f := &Fetcher{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		http:         cfg.HTTPClient,
		creds:        cfg.Credentials,
		tokens:       cfg.Tokens,
		logger:       cfg.Logger,
		settingsWait: cfg.SettingsWait,
	}
	if f.baseURL == "" {
		f.baseURL = DefaultBaseURL
	}
	if f.http == nil {
		f.http = &http.Client{Timeout: 10 * time.Second}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

type domesticOutput struct {
	Price  string `json:"stck_prpr"`
	Change string `json:"prdy_vrss"`
	Sign   string `json:"prdy_vrss_sign"`
	Rate   string `json:"prdy_ctrt"`
}

type overseasOutput struct {
	Last string `json:"last"`
	Diff string `json:"diff"`
	Sign string `json:"sign"`
	Rate string `json:"rate"`
}

type envelope[T any] struct {
	RtCd   string `json:"rt_cd"`
	MsgCd  string `json:"msg_cd"`
	Msg1   string `json:"msg1"`
	Output *T     `json:"output"`
}

// check rejects a priced response whose rt_cd still reports failure. A
// missing rt_cd is accepted.
func (e *envelope[T]) check(trID string) error {
	if e.RtCd == "" || e.RtCd == "0" {
		return nil
	}
	return kiserr.Errorf(kiserr.NetworkError, trID, "rt_cd %s %s: %s", e.RtCd, e.MsgCd, e.Msg1)
}

// Snapshot fetches the current price of in. Every failure is a classified
// *kiserr.Error; a nil quote is never returned without an error.
func (f *Fetcher) Snapshot(ctx context.Context, in quote.Instrument) (*quote.Quote, error) {
	in = in.Normalize()
	if in.Code == "" {
		return nil, kiserr.New(kiserr.InvalidIdentifier, "snapshot", fmt.Errorf("empty code"))
	}
	creds, ok := f.creds.WaitUntilReady(ctx, f.settingsWait)
	if !ok {
		f.logger.Warn("Settings not ready, skipping snapshot", "code", in.Code)
		return nil, kiserr.New(kiserr.NoCredential, "snapshot", nil)
	}
	token, err := f.tokens.AccessToken(ctx, creds)
	if err != nil {
		if _, classified := kiserr.KindOf(err); classified {
			return nil, err
		}
		return nil, kiserr.New(kiserr.AuthFailure, "snapshot token", err)
	}

	if in.Market == quote.Overseas {
		return f.overseas(ctx, creds, token, in)
	}
	return f.domestic(ctx, creds, token, in)
}

func (f *Fetcher) domestic(ctx context.Context, creds settings.Credentials, token string, in quote.Instrument) (*quote.Quote, error) {
	q := url.Values{}
	q.Set("FID_COND_MRKT_DIV_CODE", "UN")
	q.Set("FID_INPUT_ISCD", in.Code)

	var env envelope[domesticOutput]
	if err := f.get(ctx, domesticPricePath, q, trDomesticPrice, creds, token, &env); err != nil {
		return nil, err
	}
	if env.Output == nil || strings.TrimSpace(env.Output.Price) == "" {
		return nil, kiserr.Errorf(kiserr.InvalidIdentifier, "domestic snapshot", "no price for %s: %s", in.Code, env.Msg1)
	}
	if err := env.check(trDomesticPrice); err != nil {
		return nil, err
	}
	o := env.Output
	return build(in, o.Price, o.Change, o.Rate, o.Sign)
}

func (f *Fetcher) overseas(ctx context.Context, creds settings.Credentials, token string, in quote.Instrument) (*quote.Quote, error) {
	excd := in.Exchange
	if !overseasExchanges[excd] {
		excd = "NAS"
	}
	q := url.Values{}
	q.Set("AUTH", "")
	q.Set("EXCD", excd)
	q.Set("SYMB", in.Code)

	var env envelope[overseasOutput]
	if err := f.get(ctx, overseasPricePath, q, trOverseasPrice, creds, token, &env); err != nil {
		return nil, err
	}
	if env.Output == nil || strings.TrimSpace(env.Output.Last) == "" {
		return nil, kiserr.Errorf(kiserr.InvalidIdentifier, "overseas snapshot", "no price for %s:%s: %s", excd, in.Code, env.Msg1)
	}
	if err := env.check(trOverseasPrice); err != nil {
		return nil, err
	}
	o := env.Output
	return build(in, o.Last, o.Diff, o.Rate, o.Sign)
}

func build(in quote.Instrument, price, change, rate, sign string) (*quote.Quote, error) {
	p, err := quote.Decimal(price)
	if err != nil {
		return nil, kiserr.New(kiserr.InvalidIdentifier, "snapshot price", err)
	}
	// Malformed deltas read as zero rather than failing the whole snapshot.
	c, _ := quote.Decimal(change)
	r, _ := quote.Decimal(rate)
	q := quote.New(in.Code, in.Name, p, c, r, quote.ParseSign(sign))
	return &q, nil
}

func (f *Fetcher) get(ctx context.Context, path string, query url.Values, trID string, creds settings.Credentials, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return kiserr.New(kiserr.NetworkError, trID, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", creds.AppKey)
	req.Header.Set("appsecret", creds.AppSecret)
	req.Header.Set("tr_id", trID)
	req.Header.Set("custtype", "P")

	resp, err := f.http.Do(req)
	if err != nil {
		f.logger.Error("Snapshot request failed", "tr_id", trID, "error", err)
		return kiserr.New(kiserr.NetworkError, trID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		f.logger.Error("Snapshot request rejected", "tr_id", trID, "status", resp.StatusCode)
		kind := kiserr.NetworkError
		if resp.StatusCode == http.StatusUnauthorized {
			kind = kiserr.AuthFailure
		}
		return kiserr.Errorf(kind, trID, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return kiserr.New(kiserr.NetworkError, trID, fmt.Errorf("decode: %w", err))
	}
	return nil
}
