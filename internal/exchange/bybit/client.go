package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"
)

// DemoBaseURL is Bybit's demo trading environment
const DemoBaseURL = "https://api-demo.bybit.com"

// ErrMainnetRefused is returned when a validation client is configured against mainnet
var ErrMainnetRefused = errors.New("bybit validation client only runs against testnet or demo")

// Client wraps the Bybit API client. It exposes market reads only: it has no method
// that can place, amend or cancel an order.
type Client struct {
	httpClient *bybit_api.Client
	category   string
	testnet    bool
	demo       bool
}

// Config holds the configuration for the Bybit client
type Config struct {
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
	Testnet   bool   `yaml:"testnet"`
	Demo      bool   `yaml:"demo"`     // Demo trading environment
	Category  string `yaml:"category"` // spot, linear or inverse
}

// NewClient creates a new Bybit client. Mainnet is refused.
func NewClient(config Config) (*Client, error) {
	var baseURL string
	switch {
	case config.Demo:
		baseURL = DemoBaseURL
	case config.Testnet:
		baseURL = bybit_api.TESTNET
	default:
		return nil, ErrMainnetRefused
	}
	if config.Category == "" {
		config.Category = "spot"
	}

	httpClient := bybit_api.NewBybitHttpClient(
		config.APIKey,
		config.APISecret,
		bybit_api.WithBaseURL(baseURL),
	)

	return &Client{
		httpClient: httpClient,
		category:   config.Category,
		testnet:    config.Testnet,
		demo:       config.Demo,
	}, nil
}

// Category returns the product category orders are validated against
func (c *Client) Category() string {
	return c.category
}

// GetEnvironment returns a string describing the current environment
func (c *Client) GetEnvironment() string {
	if c.demo {
		return "demo"
	}
	return "testnet"
}

// FetchInstrument loads the trading rules for symbol
func (c *Client) FetchInstrument(ctx context.Context, symbol string) (*InstrumentInfo, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch instrument info: %w", err)
	}
	return parseInstrumentInfoResponse(result, symbol)
}

// LastPrice returns the last traded price for symbol
func (c *Client) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get latest price: %w", err)
	}
	return parseLastPriceResponse(result, symbol)
}

// decodeResult unwraps a ServerResponse and decodes its result into out
func decodeResult(response interface{}, out interface{}) error {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return fmt.Errorf("invalid response type %T", response)
	}
	if err := ParseAPIError(serverResp.RetCode, serverResp.RetMsg); err != nil {
		return err
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(resultBytes, out); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

func parseLastPriceResponse(response interface{}, symbol string) (decimal.Decimal, error) {
	var tickerResult struct {
		Category string `json:"category"`
		List     []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := decodeResult(response, &tickerResult); err != nil {
		return decimal.Zero, err
	}

	for _, item := range tickerResult.List {
		if item.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(item.LastPrice)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid last price %q for %s: %w", item.LastPrice, symbol, err)
		}
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("no ticker for %s", symbol)
}
