package quote

import (
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderOptions carries the settings used to build providers by name.
type ProviderOptions struct {
	YahooURL        string
	AlphaVantageURL string
	AlphaVantageKey string
	FinnhubURL      string
	FinnhubKey      string
	StaticPrices    map[string]decimal.Decimal
	Timeout         time.Duration
}

// KnownProviders lists the names accepted by BuildProviders.
var KnownProviders = []string{"yahoo", "alphavantage", "finnhub", "static"}

// BuildProviders constructs providers in the given fallback order.
func BuildProviders(names []string, opts ProviderOptions) ([]Provider, error) {
	client := &http.Client{Timeout: opts.Timeout}
	orDefault := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}

	providers := make([]Provider, 0, len(names))
	for _, name := range names {
		switch name {
		case "yahoo":
			providers = append(providers, &Yahoo{
				BaseURL: orDefault(opts.YahooURL, DefaultYahooURL),
				Client:  client,
			})
		case "alphavantage":
			providers = append(providers, &AlphaVantage{
				BaseURL: orDefault(opts.AlphaVantageURL, DefaultAlphaVantageURL),
				APIKey:  opts.AlphaVantageKey,
				Client:  client,
			})
		case "finnhub":
			providers = append(providers, &Finnhub{
				BaseURL: orDefault(opts.FinnhubURL, DefaultFinnhubURL),
				APIKey:  opts.FinnhubKey,
				Client:  client,
			})
		case "static":
			providers = append(providers, NewStatic(opts.StaticPrices))
		default:
			return nil, fmt.Errorf("unknown quote provider %q", name)
		}
	}
	return providers, nil
}
