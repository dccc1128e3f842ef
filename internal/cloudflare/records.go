package cloudflare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DNSRecord is a record as Cloudflare stores it. Name is always the FQDN.
type DNSRecord struct {
	ID         string    `json:"id,omitempty"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	TTL        int       `json:"ttl"`
	Proxied    bool      `json:"proxied"`
	ModifiedOn time.Time `json:"modified_on,omitempty"`
}

// Same reports whether two records would publish identical data.
func (r DNSRecord) Same(o DNSRecord) bool {
	return strings.EqualFold(r.Name, o.Name) &&
		strings.EqualFold(r.Type, o.Type) &&
		strings.EqualFold(strings.TrimSuffix(r.Content, "."), strings.TrimSuffix(o.Content, ".")) &&
		r.Proxied == o.Proxied
}

// ListDNSRecords returns all records at name in the zone. An empty name lists the whole zone.
func (c *Client) ListDNSRecords(ctx context.Context, zoneID, name string) ([]DNSRecord, error) {
	q := url.Values{}
	q.Set("per_page", "1000")
	if name != "" {
		q.Set("name", name)
	}
	result, err := c.doRequest(ctx, "list dns records", http.MethodGet, "/zones/"+zoneID+"/dns_records?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var records []DNSRecord
	if err := json.Unmarshal(result.Result, &records); err != nil {
		return nil, fmt.Errorf("failed to parse records: %w", err)
	}
	return records, nil
}

// CreateDNSRecord creates record and returns it with its Cloudflare id.
func (c *Client) CreateDNSRecord(ctx context.Context, zoneID string, record DNSRecord) (*DNSRecord, error) {
	body := map[string]interface{}{
		"type":    record.Type,
		"name":    record.Name,
		"content": record.Content,
		"ttl":     record.TTL,
		"proxied": record.Proxied,
	}
	if record.TTL == 0 {
		body["ttl"] = 1 // 1 = auto
	}

	result, err := c.doRequest(ctx, "create dns record", http.MethodPost, "/zones/"+zoneID+"/dns_records", body)
	if err != nil {
		return nil, err
	}

	var created DNSRecord
	if err := json.Unmarshal(result.Result, &created); err != nil {
		return nil, fmt.Errorf("failed to parse created record: %w", err)
	}
	return &created, nil
}

// DeleteDNSRecord deletes a record. A record that is already gone is not an error.
func (c *Client) DeleteDNSRecord(ctx context.Context, zoneID, recordID string) error {
	_, err := c.doRequest(ctx, "delete dns record", http.MethodDelete, "/zones/"+zoneID+"/dns_records/"+recordID, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.IsNotFound() {
		return nil
	}
	return err
}
