// Package oracle fetches and decodes Pyth price updates for market
// resolution. Prices stay in the feed's native fixed-point form (integer
// price plus exponent); the engine compares thresholds in the same units.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coldbell/prediction/backend/internal/engine"
)

// Client reads latest prices from a Hermes endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type hermesEnvelope struct {
	Parsed []hermesPriceUpdate `json:"parsed"`
}

type hermesPriceUpdate struct {
	ID    string `json:"id"`
	Price struct {
		Price       string `json:"price"`
		Conf        string `json:"conf"`
		Expo        int32  `json:"expo"`
		PublishTime int64  `json:"publish_time"`
	} `json:"price"`
}

// LatestPrice fetches the most recent update for one feed.
func (c *Client) LatestPrice(ctx context.Context, feedID [32]byte) (*engine.PriceReading, error) {
	requestURL, err := c.buildLatestURL(engine.FeedIDHex(feedID))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build hermes request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch hermes price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch hermes price: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope hermesEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode hermes response: %w", err)
	}

	wantID := engine.FeedIDHex(feedID)
	for _, update := range envelope.Parsed {
		if strings.ToLower(strings.TrimSpace(update.ID)) != wantID {
			continue
		}
		price, err := strconv.ParseInt(strings.TrimSpace(update.Price.Price), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse hermes price %q: %w", update.Price.Price, err)
		}
		conf, err := strconv.ParseUint(strings.TrimSpace(update.Price.Conf), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse hermes conf %q: %w", update.Price.Conf, err)
		}
		return &engine.PriceReading{
			FeedID:      feedID,
			Price:       price,
			Conf:        conf,
			Expo:        update.Price.Expo,
			PublishTime: update.Price.PublishTime,
		}, nil
	}
	return nil, fmt.Errorf("hermes response has no update for feed %s", wantID)
}

func (c *Client) buildLatestURL(feedID string) (string, error) {
	parsedURL, err := url.Parse(c.baseURL + "/v2/updates/price/latest")
	if err != nil {
		return "", fmt.Errorf("parse hermes endpoint: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return "", fmt.Errorf("invalid hermes endpoint: %q", c.baseURL)
	}

	query := parsedURL.Query()
	query.Add("ids[]", feedID)
	query.Set("parsed", "true")
	parsedURL.RawQuery = query.Encode()
	return parsedURL.String(), nil
}
