// Package parking reads the parking-spot catalog service.
package parking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrSpotNotFound means the catalog has no such spot.
var ErrSpotNotFound = errors.New("parking spot not found")

// ErrUnavailable means the catalog service could not be reached.
var ErrUnavailable = errors.New("parking service unavailable")

// Spot is one catalog entry. The catalog exposes loosely typed records, so
// only the stable fields are lifted out.
type Spot struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Client talks to the parking service.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	log       *zap.SugaredLogger
}

// NewClient builds a catalog client; authToken is optional.
func NewClient(baseURL, authToken string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
		log:       logger,
	}
}

// ListSpots fetches every parking spot.
func (c *Client) ListSpots(ctx context.Context) ([]Spot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/analytics/parkings", nil)
	if err != nil {
		return nil, err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	// ids arrive as strings or numbers depending on the catalog version
	var raw []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode parking response: %w", err)
	}

	spots := make([]Spot, 0, len(raw))
	for _, rec := range raw {
		spot := Spot{ID: stringID(rec["id"])}
		if name, ok := rec["name"].(string); ok {
			spot.Name = name
		}
		if spot.ID != "" {
			spots = append(spots, spot)
		}
	}
	return spots, nil
}

// GetSpot finds one spot by id.
func (c *Client) GetSpot(ctx context.Context, spotID string) (*Spot, error) {
	spots, err := c.ListSpots(ctx)
	if err != nil {
		return nil, err
	}
	for i := range spots {
		if spots[i].ID == spotID {
			return &spots[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSpotNotFound, spotID)
}

func stringID(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case json.Number:
		return id.String()
	}
	return ""
}
