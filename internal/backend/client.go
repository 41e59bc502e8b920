package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"CoSign-Agent/internal/conversation"
	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/multisig"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultHTTPTimeout is used when no http.Client is supplied.
const DefaultHTTPTimeout = 15 * time.Second

// Client talks to the agent backend REST endpoints.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// APIError represents a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agent backend error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agent backend error (%d): %s", e.StatusCode, e.Message)
}

// NewClient builds a backend client. A nil httpClient gets DefaultHTTPTimeout.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("backend base url is empty")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = strings.TrimSpace(token)
}

// FetchHistory returns the stored conversation for identity. Items that fail
// to decode are skipped.
func (c *Client) FetchHistory(ctx context.Context, identity string) ([]conversation.Event, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/api/history/"+identity, &raw); err != nil {
		return nil, err
	}
	items, err := historyItems(raw)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	events := make([]conversation.Event, 0, len(items))
	for _, item := range items {
		e, err := conversation.DecodeEvent(item, now)
		if err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func historyItems(raw json.RawMessage) ([]json.RawMessage, error) {
	var items []json.RawMessage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		return items, nil
	}
	var wrapped struct {
		Messages []json.RawMessage `json:"messages"`
		History  []json.RawMessage `json:"history"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if len(wrapped.Messages) > 0 {
		return wrapped.Messages, nil
	}
	return wrapped.History, nil
}

type coSignRequest struct {
	Identity    string            `json:"identity"`
	ChainID     uint64            `json:"chain_id"`
	SafeAddress string            `json:"safe_address"`
	SafeTxHash  string            `json:"safe_tx_hash"`
	Nonce       uint64            `json:"nonce"`
	Envelope    multisig.Envelope `json:"envelope"`
}

type coSignResponse struct {
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

// CoSign asks the backend for the agent-side signature over env.
func (c *Client) CoSign(ctx context.Context, identity string, env multisig.Envelope) ([]byte, error) {
	req := coSignRequest{
		Identity:    identity,
		ChainID:     env.ChainID,
		SafeAddress: env.Wallet.Hex(),
		SafeTxHash:  env.Digest.Hex(),
		Nonce:       env.Nonce,
		Envelope:    env,
	}
	var resp coSignResponse
	if err := c.post(ctx, "/api/cosign", req, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCoSignatureMissing, err, "request co-signature")
	}
	sig, err := hexutil.Decode(strings.TrimSpace(resp.Signature))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCoSignatureMissing, err, "decode co-signature")
	}
	if resp.Signer != "" {
		recovered, err := multisig.Recover(env.Digest, sig)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCoSignatureMissing, err, "verify co-signature")
		}
		if !common.IsHexAddress(resp.Signer) || recovered.Signer != common.HexToAddress(resp.Signer) {
			return nil, xerrors.New(xerrors.CodeCoSignatureMissing,
				fmt.Sprintf("co-signature recovers to %s, backend claimed %s", recovered.Signer.Hex(), resp.Signer))
		}
	}
	return sig, nil
}

// CoSigner binds the client to one identity so it satisfies multisig.CoSigner.
func (c *Client) CoSigner(identity string) multisig.CoSigner {
	return identityCoSigner{client: c, identity: identity}
}

type identityCoSigner struct {
	client   *Client
	identity string
}

func (s identityCoSigner) CoSign(ctx context.Context, env multisig.Envelope) ([]byte, error) {
	return s.client.CoSign(ctx, s.identity, env)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
