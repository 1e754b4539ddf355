package quote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/stotra/trade-engine/internal/model"
)

// Default upstream endpoints.
const (
	DefaultYahooURL        = "https://query1.finance.yahoo.com"
	DefaultAlphaVantageURL = "https://www.alphavantage.co"
	DefaultFinnhubURL      = "https://finnhub.io"
)

var errMissingField = errors.New("field missing from response")

// getJSON performs a GET and returns the body if it is valid JSON.
func getJSON(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "stotra-trade-engine/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("upstream returned invalid JSON")
	}
	return body, nil
}

// decimalField reads a numeric (or numeric string, optionally ending in
// "%") field at path.
func decimalField(body []byte, path string) (decimal.Decimal, error) {
	r := gjson.GetBytes(body, path)
	if !r.Exists() {
		return decimal.Zero, fmt.Errorf("%s: %w", path, errMissingField)
	}
	if r.Type == gjson.Number {
		return decimal.NewFromString(r.Raw)
	}
	return decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(r.String()), "%"))
}

func optionalDecimal(body []byte, path string) decimal.Decimal {
	v, err := decimalField(body, path)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// --- Yahoo Finance ---

// Yahoo reads the public v7 quote endpoint.
type Yahoo struct {
	BaseURL string
	Client  *http.Client
}

func (y *Yahoo) Name() string { return "yahoo" }

func (y *Yahoo) Fetch(ctx context.Context, symbol string) (model.Quote, error) {
	u := fmt.Sprintf("%s/v7/finance/quote?symbols=%s", y.BaseURL, url.QueryEscape(symbol))
	body, err := getJSON(ctx, y.Client, u)
	if err != nil {
		return model.Quote{}, err
	}
	if msg := gjson.GetBytes(body, "quoteResponse.error.description"); msg.Exists() {
		return model.Quote{}, errors.New(msg.String())
	}
	price, err := decimalField(body, "quoteResponse.result.0.regularMarketPrice")
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{
		Price:         price,
		ChangePercent: optionalDecimal(body, "quoteResponse.result.0.regularMarketChangePercent"),
		PreviousClose: optionalDecimal(body, "quoteResponse.result.0.regularMarketPreviousClose"),
		Source:        "Yahoo Finance",
	}, nil
}

// --- Alpha Vantage ---

// AlphaVantage reads the GLOBAL_QUOTE function.
type AlphaVantage struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func (a *AlphaVantage) Name() string { return "alphavantage" }

func (a *AlphaVantage) Fetch(ctx context.Context, symbol string) (model.Quote, error) {
	if a.APIKey == "" {
		return model.Quote{}, errors.New("api key not configured")
	}
	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	q.Set("apikey", a.APIKey)
	body, err := getJSON(ctx, a.Client, a.BaseURL+"/query?"+q.Encode())
	if err != nil {
		return model.Quote{}, err
	}
	// Rate limiting is reported in-band with a 200.
	for _, k := range []string{"Note", "Information", "Error Message"} {
		if msg := gjson.GetBytes(body, k); msg.Exists() {
			return model.Quote{}, errors.New(msg.String())
		}
	}
	price, err := decimalField(body, `Global Quote.05\. price`)
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{
		Price:         price,
		ChangePercent: optionalDecimal(body, `Global Quote.10\. change percent`),
		PreviousClose: optionalDecimal(body, `Global Quote.08\. previous close`),
		Source:        "Alpha Vantage",
	}, nil
}

// --- Finnhub ---

// Finnhub reads the /quote endpoint.
type Finnhub struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func (f *Finnhub) Name() string { return "finnhub" }

func (f *Finnhub) Fetch(ctx context.Context, symbol string) (model.Quote, error) {
	if f.APIKey == "" {
		return model.Quote{}, errors.New("api key not configured")
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("token", f.APIKey)
	body, err := getJSON(ctx, f.Client, f.BaseURL+"/api/v1/quote?"+q.Encode())
	if err != nil {
		return model.Quote{}, err
	}
	price, err := decimalField(body, "c")
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{
		Price:         price,
		ChangePercent: optionalDecimal(body, "dp"),
		PreviousClose: optionalDecimal(body, "pc"),
		Source:        "Finnhub",
	}, nil
}

// --- Static ---

// Static serves a fixed price table. Used offline and in tests.
type Static struct {
	Prices map[string]decimal.Decimal
}

// NewStatic builds a static provider from symbol→price pairs.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	normalized := make(map[string]decimal.Decimal, len(prices))
	for sym, p := range prices {
		normalized[model.NormalizeSymbol(sym)] = p
	}
	return &Static{Prices: normalized}
}

func (s *Static) Name() string { return "static" }

func (s *Static) Fetch(_ context.Context, symbol string) (model.Quote, error) {
	p, ok := s.Prices[symbol]
	if !ok {
		return model.Quote{}, fmt.Errorf("no static price for %s", symbol)
	}
	return model.Quote{Price: p, PreviousClose: p, Source: "Static"}, nil
}
