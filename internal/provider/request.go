package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

const (
	requestTemperature = 0
	requestMaxTokens   = 4096
)

func (c *Client) newRequest(ctx context.Context, systemPrompt string, messages []ChatMessage) (*http.Request, error) {
	vars := c.profile.vars(c.cfg, c.model.ID)

	body, err := c.buildBody(vars, systemPrompt, messages)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request body: %w", c.profile.Name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL(vars), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", c.profile.Name, err)
	}
	httpReq.Header = c.buildHeaders(vars)
	return httpReq, nil
}

func (c *Client) endpointURL(vars templateVars) string {
	if c.cfg.URL != "" {
		return c.cfg.URL
	}
	return c.baseURL + vars.expandPath(c.profile.Path)
}

// buildHeaders layers, in order: content type, profile headers, auth
// headers (only with an API key), per-request ids, caller extras.
func (c *Client) buildHeaders(vars templateVars) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")

	for _, k := range sortedKeys(c.profile.Headers) {
		h.Set(k, vars.expand(c.profile.Headers[k]))
	}
	if c.cfg.APIKey != "" {
		for _, k := range sortedKeys(c.profile.AuthHeaders) {
			h.Set(k, vars.expand(c.profile.AuthHeaders[k]))
		}
	}
	for _, k := range c.profile.RequestIDHeaders {
		h.Set(k, uuid.NewString())
	}
	for _, k := range sortedKeys(c.cfg.ExtraHeaders) {
		h.Set(k, c.cfg.ExtraHeaders[k])
	}
	return h
}

func (c *Client) buildBody(vars templateVars, systemPrompt string, messages []ChatMessage) ([]byte, error) {
	f := c.profile.Fields
	body := []byte("{}")

	set := func(path string, value any) error {
		if path == "" {
			return nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		body, err = sjson.SetRawBytes(body, path, raw)
		return err
	}

	if err := set(f.Model, c.model.ID); err != nil {
		return nil, err
	}

	if f.System != "" {
		if systemPrompt != "" || !f.OmitEmptySystem {
			if err := set(f.System, c.converter.System(systemPrompt)); err != nil {
				return nil, err
			}
		}
		if err := set(f.Messages, c.converter.Convert(messages)); err != nil {
			return nil, err
		}
	} else {
		withSystem := make([]ChatMessage, 0, len(messages)+1)
		withSystem = append(withSystem, ChatMessage{Role: RoleSystem, Content: TextContent(systemPrompt)})
		withSystem = append(withSystem, messages...)
		if err := set(f.Messages, c.converter.Convert(withSystem)); err != nil {
			return nil, err
		}
	}

	if err := set(f.Temperature, requestTemperature); err != nil {
		return nil, err
	}
	if err := set(f.MaxTokens, requestMaxTokens); err != nil {
		return nil, err
	}
	if err := set(f.Stream, true); err != nil {
		return nil, err
	}

	for _, k := range sortedKeys(c.profile.BodyExtras) {
		v := c.profile.BodyExtras[k]
		if s, ok := v.(string); ok {
			v = vars.expand(s)
		}
		if err := set(k, v); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func trimBaseURL(s string) string {
	return strings.TrimRight(s, "/")
}
