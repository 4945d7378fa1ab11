package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openlumo/lumo-proxy/internal/auth"
)

// RemoteSpace is a server-side space listing entry.
type RemoteSpace struct {
	ID         string `json:"id"`
	WrappedKey string `json:"wrappedKey"`
}

// RemoteEntity is an encrypted conversation or message as stored
// remotely. ClientID is the id the payload was sealed under; it is
// needed to rebuild the associated data on pull.
type RemoteEntity struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
	Data     string `json:"data"`
}

// ServerClient is the remote persistence API. The backend never sees
// plaintext; every Data field is an opaque AEAD blob.
type ServerClient interface {
	ListSpaces(ctx context.Context) ([]RemoteSpace, error)
	CreateSpace(ctx context.Context, wrappedKey string) (RemoteSpace, error)

	ListConversations(ctx context.Context, spaceID string) ([]RemoteEntity, error)
	CreateConversation(ctx context.Context, spaceID, clientID, data string) (string, error)
	UpdateConversation(ctx context.Context, spaceID, remoteID, data string) error

	ListMessages(ctx context.Context, spaceID, remoteConversationID string) ([]RemoteEntity, error)
	CreateMessage(ctx context.Context, spaceID, remoteConversationID, clientID, data string) (string, error)
}

// HTTPServerClient talks to the sync backend over its REST surface.
type HTTPServerClient struct {
	httpClient   *http.Client
	baseURL      string
	authProvider auth.Provider
	appVersion   string
}

// NewHTTPServerClient builds a client for the given base URL.
func NewHTTPServerClient(baseURL, appVersion string, provider auth.Provider) *HTTPServerClient {
	return &HTTPServerClient{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      strings.TrimRight(baseURL, "/"),
		authProvider: provider,
		appVersion:   appVersion,
	}
}

func (c *HTTPServerClient) ListSpaces(ctx context.Context) ([]RemoteSpace, error) {
	var out struct {
		Spaces []RemoteSpace `json:"spaces"`
	}
	if err := c.do(ctx, http.MethodGet, "/spaces", nil, &out); err != nil {
		return nil, err
	}
	return out.Spaces, nil
}

func (c *HTTPServerClient) CreateSpace(ctx context.Context, wrappedKey string) (RemoteSpace, error) {
	body := map[string]string{"wrappedKey": wrappedKey}
	var out RemoteSpace
	if err := c.do(ctx, http.MethodPost, "/spaces", body, &out); err != nil {
		return RemoteSpace{}, err
	}
	return out, nil
}

func (c *HTTPServerClient) ListConversations(ctx context.Context, spaceID string) ([]RemoteEntity, error) {
	var out struct {
		Conversations []RemoteEntity `json:"conversations"`
	}
	path := fmt.Sprintf("/spaces/%s/conversations", spaceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *HTTPServerClient) CreateConversation(ctx context.Context, spaceID, clientID, data string) (string, error) {
	body := map[string]string{"clientId": clientID, "data": data}
	var out struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/spaces/%s/conversations", spaceID)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPServerClient) UpdateConversation(ctx context.Context, spaceID, remoteID, data string) error {
	body := map[string]string{"data": data}
	path := fmt.Sprintf("/spaces/%s/conversations/%s", spaceID, remoteID)
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

func (c *HTTPServerClient) ListMessages(ctx context.Context, spaceID, remoteConversationID string) ([]RemoteEntity, error) {
	var out struct {
		Messages []RemoteEntity `json:"messages"`
	}
	path := fmt.Sprintf("/spaces/%s/conversations/%s/messages", spaceID, remoteConversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *HTTPServerClient) CreateMessage(ctx context.Context, spaceID, remoteConversationID, clientID, data string) (string, error) {
	body := map[string]string{"clientId": clientID, "data": data}
	var out struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/spaces/%s/conversations/%s/messages", spaceID, remoteConversationID)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPServerClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	creds, err := c.authProvider.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain credentials: %w", err)
	}
	req.Header.Set("x-pm-uid", creds.UID)
	req.Header.Set("x-pm-appversion", c.appVersion)
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sync server returned %d for %s %s: %s", resp.StatusCode, method, path, string(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode sync server response: %w", err)
	}
	return nil
}
