// Package market is the HTTP client of the market-data provider.
package market

import (
	"context"
	"net/url"
	"time"

	"github.com/UniQw/coinqw/internal/domain"
	"github.com/UniQw/coinqw/internal/httpjson"
)

// Client implements processors.MarketData over the provider's REST API.
type Client struct {
	api *httpjson.Client
}

// New creates a Client for baseURL.
func New(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	api, err := httpjson.New(baseURL, apiKey, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{api: api}, nil
}

func coinQuery(c domain.Coin) url.Values {
	q := url.Values{}
	if c.Symbol != "" {
		q.Set("symbol", c.Symbol)
	}
	if c.Chain != "" {
		q.Set("chain", c.Chain)
	}
	if c.Address != "" {
		q.Set("address", c.Address)
	}
	return q
}

func (c *Client) get(ctx context.Context, coin domain.Coin, what string, out any) error {
	return c.api.Get(ctx, "coins/"+url.PathEscape(coin.ID)+"/"+what, coinQuery(coin), out)
}

// Quote returns the current market snapshot of a coin.
func (c *Client) Quote(ctx context.Context, coin domain.Coin) (domain.Quote, error) {
	var q domain.Quote
	err := c.get(ctx, coin, "quote", &q)
	return q, err
}

// Liquidity returns the pool depth of a coin.
func (c *Client) Liquidity(ctx context.Context, coin domain.Coin) (domain.Liquidity, error) {
	var l domain.Liquidity
	err := c.get(ctx, coin, "liquidity", &l)
	return l, err
}

// HolderDistribution returns the holder concentration of a coin.
func (c *Client) HolderDistribution(ctx context.Context, coin domain.Coin) (domain.HolderDistribution, error) {
	var h domain.HolderDistribution
	err := c.get(ctx, coin, "holders", &h)
	return h, err
}

// ContractSecurity returns the contract audit of a coin.
func (c *Client) ContractSecurity(ctx context.Context, coin domain.Coin) (domain.ContractSecurity, error) {
	var s domain.ContractSecurity
	err := c.get(ctx, coin, "security", &s)
	return s, err
}
