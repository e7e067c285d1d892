package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/prediction/backend/internal/engine"
)

// apiClient is the keeper's view of the settlement API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Status  int
	Message string
	Code    uint32
}

func (e *apiError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error: %s (status %d, code %d)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("api error: %s (status %d)", e.Message, e.Status)
}

type marketRecord struct {
	MarketID       uint64 `json:"market_id"`
	Question       string `json:"question"`
	State          string `json:"state"`
	WinningOutcome string `json:"winning_outcome"`
	ResolutionTime int64  `json:"resolution_time"`
	RevealDeadline int64  `json:"reveal_deadline"`
	CommitCount    uint32 `json:"commit_count"`
	PythFeedID     string `json:"pyth_feed_id"`
	PriceThreshold *int64 `json:"price_threshold"`
}

type positionRecord struct {
	MarketID        uint64 `json:"market_id"`
	User            string `json:"user"`
	CommittedAmount string `json:"committed_amount"`
	Revealed        bool   `json:"revealed"`
	Claimed         bool   `json:"claimed"`
}

type listEnvelope[T any] struct {
	Items []T `json:"items"`
}

func (c *apiClient) listMarkets(ctx context.Context) ([]marketRecord, error) {
	var envelope listEnvelope[marketRecord]
	if err := c.get(ctx, "/api/v1/markets", &envelope); err != nil {
		return nil, err
	}
	return envelope.Items, nil
}

func (c *apiClient) listPositions(ctx context.Context, marketID uint64) ([]positionRecord, error) {
	var envelope listEnvelope[positionRecord]
	path := fmt.Sprintf("/api/v1/positions?market_id=%d", marketID)
	if err := c.get(ctx, path, &envelope); err != nil {
		return nil, err
	}
	return envelope.Items, nil
}

func (c *apiClient) resolveMarket(ctx context.Context, caller solana.PublicKey, marketID uint64, reading *engine.PriceReading) error {
	body := map[string]any{
		"caller":    caller.String(),
		"market_id": marketID,
	}
	if reading != nil {
		body["price"] = map[string]any{
			"feed_id":      engine.FeedIDHex(reading.FeedID),
			"price":        reading.Price,
			"conf":         reading.Conf,
			"expo":         reading.Expo,
			"publish_time": reading.PublishTime,
		}
	}
	return c.post(ctx, "/v1/instructions/resolve-market", body, nil)
}

func (c *apiClient) cancelMarket(ctx context.Context, caller solana.PublicKey, marketID uint64) error {
	return c.post(ctx, "/v1/instructions/cancel-market", map[string]any{
		"caller":    caller.String(),
		"market_id": marketID,
	}, nil)
}

func (c *apiClient) forfeitUnrevealed(ctx context.Context, caller solana.PublicKey, marketID uint64, user string) error {
	return c.post(ctx, "/v1/instructions/forfeit-unrevealed", map[string]any{
		"caller":    caller.String(),
		"market_id": marketID,
		"user":      user,
	}, nil)
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	return c.do(req, out)
}

func (c *apiClient) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var failure struct {
			Error string  `json:"error"`
			Code  *uint32 `json:"code"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		message := strings.TrimSpace(string(raw))
		if err := json.Unmarshal(raw, &failure); err == nil && failure.Error != "" {
			message = failure.Error
		}
		apiErr := &apiError{Status: resp.StatusCode, Message: message}
		if failure.Code != nil {
			apiErr.Code = *failure.Code
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response %s: %w", req.URL.Path, err)
	}
	return nil
}
