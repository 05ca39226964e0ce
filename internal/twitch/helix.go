package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/upstream"
)

const (
	DefaultHelixBaseURL = "https://api.twitch.tv/helix"
	DefaultTokenURL     = "https://id.twitch.tv/oauth2/token"

	badgeTimeout = 8 * time.Second
)

// HelixClient is a minimal Helix API client authenticated with an app access token.
type HelixClient struct {
	BaseURL    string
	ClientID   string
	HTTPClient *http.Client
}

// NewHelixClient builds a client that obtains app tokens with the client
// credentials grant. Empty URLs select the public Twitch endpoints.
func NewHelixClient(clientID, clientSecret, baseURL, tokenURL string) *HelixClient {
	if baseURL == "" {
		baseURL = DefaultHelixBaseURL
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	httpClient := cc.Client(context.Background())
	httpClient.Timeout = badgeTimeout
	return &HelixClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ClientID:   clientID,
		HTTPClient: httpClient,
	}
}

type badgeSet struct {
	SetID    string `json:"set_id"`
	Versions []struct {
		ID         string `json:"id"`
		ImageURL1x string `json:"image_url_1x"`
		ImageURL2x string `json:"image_url_2x"`
	} `json:"versions"`
}

// FetchBadges returns the global and channel chat badges keyed "set/version"
// and mapped to the 2x image URL. Channel badges override global ones.
func (h *HelixClient) FetchBadges(ctx context.Context, channel string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, badgeTimeout)
	defer cancel()

	userID, err := h.userID(ctx, channel)
	if err != nil {
		return nil, err
	}

	var global, local []badgeSet
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.get(gctx, "/chat/badges/global", nil, &global)
	})
	g.Go(func() error {
		return h.get(gctx, "/chat/badges", url.Values{"broadcaster_id": {userID}}, &local)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for _, sets := range [][]badgeSet{global, local} {
		for _, set := range sets {
			for _, v := range set.Versions {
				img := v.ImageURL2x
				if img == "" {
					img = v.ImageURL1x
				}
				out[set.SetID+"/"+v.ID] = img
			}
		}
	}
	return out, nil
}

func (h *HelixClient) userID(ctx context.Context, login string) (string, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	var users []struct {
		ID    string `json:"id"`
		Login string `json:"login"`
	}
	if err := h.get(ctx, "/users", url.Values{"login": {login}}, &users); err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", upstream.Errorf(upstream.KindValidation, message.Twitch, "badges", "user %q not found", login)
	}
	return users[0].ID, nil
}

// get performs a Helix GET and decodes the "data" array into out.
func (h *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	endpoint := h.BaseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", h.ClientID)

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return upstream.Wrap(message.Twitch, "badges", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := upstream.KindNetwork
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = upstream.KindAuth
		}
		return upstream.Errorf(kind, message.Twitch, "badges", "helix %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return upstream.Errorf(upstream.KindProtocol, message.Twitch, "badges", "decode %s: %w", path, err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}
