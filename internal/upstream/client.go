package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openlumo/lumo-proxy/internal/apierror"
	"github.com/openlumo/lumo-proxy/internal/auth"
	"github.com/openlumo/lumo-proxy/internal/config"
	"github.com/openlumo/lumo-proxy/internal/crypto"
	"github.com/openlumo/lumo-proxy/internal/logger"
)

// Client speaks the upstream chat protocol: encrypted prompt in,
// SSE event stream out.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	chatPath     string
	appVersion   string
	wrapKey      KeyWrapper
	authProvider auth.Provider
	logger       *logger.Logger
	timeout      time.Duration
}

// NewClient builds an upstream client from config.
func NewClient(cfg *config.Config, provider auth.Provider, log *logger.Logger) *Client {
	publicKey := cfg.UpstreamPublicKeyArmored
	if publicKey == "" {
		publicKey = DefaultPublicKey
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  true,
				ForceAttemptHTTP2:   true,
			},
		},
		baseURL:    strings.TrimRight(cfg.UpstreamBaseURL, "/"),
		chatPath:   strings.TrimLeft(cfg.UpstreamChatPath, "/"),
		appVersion: cfg.UpstreamAppVersion,
		wrapKey: func(requestKey []byte) (string, error) {
			return crypto.WrapRequestKey(publicKey, requestKey)
		},
		authProvider: provider,
		logger:       log.WithComponent("upstream"),
		timeout:      cfg.UpstreamTimeout(),
	}
}

// SetKeyWrapper overrides request-key wrapping. Used by tests.
func (c *Client) SetKeyWrapper(wrap KeyWrapper) {
	c.wrapKey = wrap
}

// ChatWithHistory submits the turns and demultiplexes the response
// stream. onChunk is invoked synchronously for each decrypted message
// chunk; it may be nil.
func (c *Client) ChatWithHistory(ctx context.Context, turns []Turn, onChunk ChunkFunc, opts ChatOptions) (*ChatResult, error) {
	envelope, requestKey, requestID, err := c.buildEnvelope(turns, opts)
	if err != nil {
		return nil, apierror.Internal(err)
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("failed to marshal envelope: %w", err))
	}

	creds, err := c.authProvider.Credentials(ctx)
	if err != nil {
		return nil, apierror.UpstreamError(fmt.Errorf("failed to obtain credentials: %w", err))
	}

	url := c.baseURL + "/" + c.chatPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierror.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-pm-uid", creds.UID)
	req.Header.Set("x-pm-appversion", c.appVersion)
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	log := c.logger.WithContext(ctx)
	log.Debug("upstream request started",
		slog.String("request_id", requestID),
		slog.Int("turns", len(turns)),
		slog.Bool("request_title", opts.RequestTitle))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierror.UpstreamError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierror.UpstreamError(fmt.Errorf("upstream returned status %d", resp.StatusCode))
	}

	result, err := c.readStream(ctx, resp, requestKey, requestID, onChunk)
	if err != nil {
		return nil, err
	}

	log.Debug("upstream request completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("message_length", len(result.Message)))

	return result, nil
}

// readStream demultiplexes SSE frames into per-target accumulators
// until a terminal event or the inactivity deadline.
func (c *Client) readStream(ctx context.Context, resp *http.Response, requestKey []byte, requestID string, onChunk ChunkFunc) (*ChatResult, error) {
	lines := make(chan string, 16)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 64KB initial, 1MB max.
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	var (
		message    strings.Builder
		title      strings.Builder
		toolCall   accumulatedObject
		toolResult accumulatedObject
	)
	chunkAD := responseChunkAD(requestID)

	idle := time.NewTimer(c.timeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-idle.C:
			return nil, apierror.UpstreamTimeout(fmt.Sprintf("no upstream event for %s", c.timeout))

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return nil, apierror.UpstreamError(fmt.Errorf("stream read failed: %w", err))
					}
				default:
				}
				return nil, apierror.UpstreamError(fmt.Errorf("stream ended without terminal event"))
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.timeout)

			payload, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}

			var ev sseEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				c.logger.Warn("skipping malformed upstream frame", slog.String("error", err.Error()))
				continue
			}

			switch ev.Type {
			case "queued", "ingesting":
				// progress only

			case "token_data":
				content := ev.Content
				if ev.Encrypted {
					decrypted, err := crypto.OpenString(requestKey, content, chunkAD)
					if err != nil {
						return nil, apierror.UpstreamError(fmt.Errorf("failed to decrypt %s chunk: %w", ev.Target, err))
					}
					content = decrypted
				}

				switch ev.Target {
				case targetMessage:
					message.WriteString(content)
					if onChunk != nil {
						onChunk(content)
					}
				case targetTitle:
					title.WriteString(content)
				case targetToolCall:
					toolCall.feed(content)
				case targetToolResult:
					toolResult.feed(content)
				}

			case "done":
				return &ChatResult{
					Message:    message.String(),
					Title:      title.String(),
					ToolCall:   toolCall.last,
					ToolResult: toolResult.last,
				}, nil

			case "timeout", "error", "rejected", "harmful":
				return nil, apierror.UpstreamRejected(ev.Type)
			}
		}
	}
}

// accumulatedObject keeps the most recent complete JSON object seen on
// a tool target. Partial objects are replaced by later complete ones.
type accumulatedObject struct {
	tracker BraceTracker
	last    string
}

func (a *accumulatedObject) feed(content string) {
	for _, obj := range a.tracker.Feed(content) {
		a.last = obj
	}
}
