package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vellumnotes/vellum/internal/authority"
	"github.com/vellumnotes/vellum/internal/entity"
)

const (
	opExchange = "syncer.exchange"

	defaultRequestTimeout = 30 * time.Second
)

// TokenSource supplies the device token attached to every authority request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type staticToken string

func (t staticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// StaticTokenSource returns the same token for every request.
func StaticTokenSource(token string) TokenSource {
	return staticToken(token)
}

// transport is the JSON client for the authority's sync endpoint. Transport
// and server-side failures are retryable; rejected requests are not, because
// resubmitting the identical batch cannot succeed.
type transport struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
}

func newTransport(baseURL string, client *http.Client, tokens TokenSource) *transport {
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
	}
}

func (t *transport) exchange(ctx context.Context, request authority.SyncRequest) (*authority.SyncResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, newSyncError(opExchange, false, err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, newSyncError(opExchange, false, err)
	}
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return nil, newSyncError(opExchange, false, err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+token)
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := t.client.Do(httpRequest)
	if err != nil {
		return nil, newSyncError(opExchange, true, err)
	}
	defer func() {
		_ = httpResponse.Body.Close()
	}()

	if httpResponse.StatusCode != http.StatusOK {
		retryable := httpResponse.StatusCode >= http.StatusInternalServerError
		return nil, newSyncError(opExchange, retryable, fmt.Errorf("authority returned status %d", httpResponse.StatusCode))
	}

	var response authority.SyncResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&response); err != nil {
		return nil, newSyncError(opExchange, true, err)
	}
	return &response, nil
}

func newSyncError(operation string, retryable bool, cause error) error {
	return &entity.SyncError{Operation: operation, Retryable: retryable, Err: cause}
}
