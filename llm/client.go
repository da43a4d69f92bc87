// LLMClient - Wrapper around providers that normalizes errors and reports calls.

package llm

import (
	"context"
	"errors"
	"time"
)

// Observer is notified after every completion call.
type Observer func(provider, model string, elapsed time.Duration, err error)

// Client wraps a Provider. Every failed call is returned as *ProviderError.
type Client struct {
	provider Provider
	observer Observer
}

// NewClient creates a new LLM client from a provider.
func NewClient(provider Provider) *Client {
	return &Client{provider: provider}
}

// WithObserver sets a hook called after each completion.
func (c *Client) WithObserver(o Observer) *Client {
	c.observer = o
	return c
}

// Name implements Provider.
func (c *Client) Name() string {
	return c.provider.Name()
}

// Model implements Provider.
func (c *Client) Model() string {
	return c.provider.Model()
}

// Complete implements Provider.
func (c *Client) Complete(ctx context.Context, req Request) (LLMResponse, error) {
	start := time.Now()
	resp, err := c.provider.Complete(ctx, req)
	if err != nil {
		var pe *ProviderError
		if !errors.As(err, &pe) {
			err = &ProviderError{Provider: c.provider.Name(), Model: c.provider.Model(), Err: err}
		}
	}
	if c.observer != nil {
		c.observer(c.provider.Name(), c.provider.Model(), time.Since(start), err)
	}
	return resp, err
}

// Chat sends a plain completion request and returns just the content.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	resp, err := c.Complete(ctx, Request{Messages: messages})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Provider returns the underlying provider.
func (c *Client) Provider() Provider {
	return c.provider
}

var _ Provider = (*Client)(nil)
