// Package social is the HTTP client of the social-media aggregation API.
package social

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/UniQw/coinqw/internal/domain"
	"github.com/UniQw/coinqw/internal/httpjson"
)

// MaxPosts bounds one request.
const MaxPosts = 500

// Client implements processors.SocialSource.
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

type postsResponse struct {
	Posts []domain.Post `json:"posts"`
}

// Posts returns the posts on platform mentioning the coin's symbol since since.
func (c *Client) Posts(ctx context.Context, platform string, coin domain.Coin, since time.Time) ([]domain.Post, error) {
	q := url.Values{}
	q.Set("q", "$"+coin.Symbol)
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(MaxPosts))
	if coin.Address != "" {
		q.Set("address", coin.Address)
	}
	var resp postsResponse
	if err := c.api.Get(ctx, url.PathEscape(platform)+"/posts", q, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Posts {
		if resp.Posts[i].Platform == "" {
			resp.Posts[i].Platform = platform
		}
	}
	return resp.Posts, nil
}
