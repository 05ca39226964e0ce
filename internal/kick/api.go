package kick

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

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/upstream"
)

const (
	// DefaultAPIBaseURL is the public Kick web API.
	DefaultAPIBaseURL = "https://kick.com"

	lookupTimeout = 10 * time.Second
	badgeTimeout  = 8 * time.Second
)

// Channel is the subset of the Kick channel resource used here.
type Channel struct {
	ID       int    `json:"id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int `json:"id"`
	} `json:"chatroom"`
	SubscriberBadges []SubscriberBadge `json:"subscriber_badges"`
}

// SubscriberBadge is a channel specific subscriber badge tier.
type SubscriberBadge struct {
	Months     int `json:"months"`
	BadgeImage struct {
		Src string `json:"src"`
	} `json:"badge_image"`
}

// Client talks to the Kick channel API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a Client. An empty baseURL selects DefaultAPIBaseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: lookupTimeout},
	}
}

// Channel fetches channel information for slug.
func (c *Client) Channel(ctx context.Context, slug string) (*Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	return c.channel(ctx, slug)
}

func (c *Client) channel(ctx context.Context, slug string) (*Channel, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return nil, upstream.Errorf(upstream.KindValidation, message.Kick, "lookup", "empty channel name")
	}

	endpoint := fmt.Sprintf("%s/api/v2/channels/%s", c.BaseURL, url.PathEscape(slug))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, upstream.Errorf(upstream.KindValidation, message.Kick, "lookup", "build request: %w", err)
	}

	// Kick sits behind Cloudflare, which rejects requests without browser headers.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://kick.com/")
	req.Header.Set("Origin", "https://kick.com")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, upstream.Wrap(message.Kick, "lookup", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, upstream.Errorf(upstream.KindValidation, message.Kick, "lookup", "channel %q not found", slug)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, upstream.Errorf(upstream.KindNetwork, message.Kick, "lookup", "API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var ch Channel
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		if ctx.Err() != nil {
			return nil, upstream.Wrap(message.Kick, "lookup", ctx.Err())
		}
		return nil, upstream.Errorf(upstream.KindProtocol, message.Kick, "lookup", "decode channel: %w", err)
	}
	if ch.Chatroom.ID == 0 {
		return nil, upstream.Errorf(upstream.KindProtocol, message.Kick, "lookup", "channel %q has no chatroom", slug)
	}
	return &ch, nil
}

// ChatroomID resolves a channel slug to its chatroom identifier.
func (c *Client) ChatroomID(ctx context.Context, slug string) (int, error) {
	ch, err := c.Channel(ctx, slug)
	if err != nil {
		return 0, err
	}
	return ch.Chatroom.ID, nil
}

// FetchBadges returns the channel subscriber badges keyed "subscriber-<months>".
func (c *Client) FetchBadges(ctx context.Context, slug string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, badgeTimeout)
	defer cancel()

	ch, err := c.channel(ctx, slug)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ch.SubscriberBadges))
	for _, b := range ch.SubscriberBadges {
		if b.BadgeImage.Src == "" {
			continue
		}
		out["subscriber-"+strconv.Itoa(b.Months)] = b.BadgeImage.Src
	}
	return out, nil
}
