// Package cloudflare implements the registrar port against the Cloudflare
// registrar and DNS APIs.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/port/registrar"
)

// Client implements registrar.Registrar over the Cloudflare v4 API.
type Client struct {
	baseURL   string
	accountID string
	token     string
	client    *http.Client
}

// New creates a Cloudflare registrar client.
func New(cfg config.Cloudflare) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		accountID: cfg.AccountID,
		token:     cfg.APIToken,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CheckAvailability queries whether the domain can be registered.
func (c *Client) CheckAvailability(ctx context.Context, domainName string) (registrar.Availability, error) {
	path := fmt.Sprintf("/accounts/%s/registrar/domains/%s/availability",
		c.accountID, url.PathEscape(domainName))

	var result struct {
		Available bool    `json:"available"`
		Price     float64 `json:"price"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return registrar.Availability{}, fmt.Errorf("check availability %s: %w", domainName, err)
	}

	return registrar.Availability{
		Domain:    domainName,
		Available: result.Available,
		PriceUSD:  result.Price,
	}, nil
}

// Register purchases the domain. Registering a domain the account already
// owns is treated as success.
func (c *Client) Register(ctx context.Context, domainName string) error {
	path := fmt.Sprintf("/accounts/%s/registrar/domains/%s/register",
		c.accountID, url.PathEscape(domainName))

	err := c.do(ctx, http.MethodPost, path, map[string]any{"name": domainName}, nil)
	if err != nil && !errors.Is(err, errAlreadyExists) {
		return fmt.Errorf("register %s: %w", domainName, err)
	}
	return nil
}

// Release returns the domain (compensation for Register).
func (c *Client) Release(ctx context.Context, domainName string) error {
	path := fmt.Sprintf("/accounts/%s/registrar/domains/%s",
		c.accountID, url.PathEscape(domainName))

	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("release %s: %w", domainName, err)
	}
	return nil
}

// ConfigureDNS creates the given records in the domain's zone. Re-creating
// an identical record is treated as success.
func (c *Client) ConfigureDNS(ctx context.Context, domainName string, records []registrar.DNSRecord) error {
	zoneID, err := c.zoneID(ctx, domainName)
	if err != nil {
		return err
	}

	for _, rec := range records {
		body := map[string]any{
			"type":    rec.Type,
			"name":    rec.Name + "." + domainName,
			"content": rec.Content,
			"proxied": rec.Proxied,
		}
		err := c.do(ctx, http.MethodPost, "/zones/"+zoneID+"/dns_records", body, nil)
		if err != nil && !errors.Is(err, errAlreadyExists) {
			return fmt.Errorf("configure dns %s %s: %w", domainName, rec.Name, err)
		}
	}
	return nil
}

// RemoveDNS deletes previously configured records by name and type.
func (c *Client) RemoveDNS(ctx context.Context, domainName string, records []registrar.DNSRecord) error {
	zoneID, err := c.zoneID(ctx, domainName)
	if err != nil {
		return err
	}

	for _, rec := range records {
		fqdn := rec.Name + "." + domainName
		var found []struct {
			ID string `json:"id"`
		}
		listPath := fmt.Sprintf("/zones/%s/dns_records?type=%s&name=%s",
			zoneID, url.QueryEscape(rec.Type), url.QueryEscape(fqdn))
		if err := c.do(ctx, http.MethodGet, listPath, nil, &found); err != nil {
			return fmt.Errorf("list dns %s: %w", fqdn, err)
		}
		for _, f := range found {
			if err := c.do(ctx, http.MethodDelete, "/zones/"+zoneID+"/dns_records/"+f.ID, nil, nil); err != nil {
				return fmt.Errorf("remove dns %s: %w", fqdn, err)
			}
		}
	}
	return nil
}

func (c *Client) zoneID(ctx context.Context, domainName string) (string, error) {
	var zones []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/zones?name="+url.QueryEscape(domainName), nil, &zones); err != nil {
		return "", fmt.Errorf("lookup zone %s: %w", domainName, err)
	}
	if len(zones) == 0 {
		return "", fmt.Errorf("lookup zone %s: %w", domainName, domain.ErrNotFound)
	}
	return zones[0].ID, nil
}

var errAlreadyExists = errors.New("cloudflare: already exists")

// do issues one API call and decodes the envelope. 5xx and transport errors
// map to ErrExternalTimeout (retryable); 4xx maps to ErrExternalRejection.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrExternalTimeout, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrExternalTimeout)
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	if !env.Success {
		for _, e := range env.Errors {
			// 81057: record already exists, 10001-ish duplicates on register.
			if e.Code == 81057 || strings.Contains(strings.ToLower(e.Message), "already exists") {
				return errAlreadyExists
			}
		}
		return fmt.Errorf("status %d %v: %w", resp.StatusCode, env.Errors, domain.ErrExternalRejection)
	}

	if result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
