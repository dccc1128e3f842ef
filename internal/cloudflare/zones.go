package cloudflare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrZoneNotFound is returned when no zone in the account matches the root domain.
var ErrZoneNotFound = errors.New("zone not found")

type Zone struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Account struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"account"`
	NameServers []string `json:"name_servers"`
}

const zonesPerPage = 50

// ListZones returns every zone visible to the token, following pagination.
func (c *Client) ListZones(ctx context.Context) ([]Zone, error) {
	var zones []Zone
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", fmt.Sprint(page))
		q.Set("per_page", fmt.Sprint(zonesPerPage))
		result, err := c.doRequest(ctx, "list zones", http.MethodGet, "/zones?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}

		var batch []Zone
		if err := json.Unmarshal(result.Result, &batch); err != nil {
			return nil, fmt.Errorf("failed to parse zones: %w", err)
		}
		zones = append(zones, batch...)

		if result.ResultInfo == nil || page >= result.ResultInfo.TotalPages || len(batch) == 0 {
			return zones, nil
		}
	}
}

// FindZone returns the first zone whose name equals root exactly.
func (c *Client) FindZone(ctx context.Context, root string) (*Zone, error) {
	zones, err := c.ListZones(ctx)
	if err != nil {
		return nil, err
	}
	root = strings.ToLower(root)
	for i := range zones {
		if strings.ToLower(zones[i].Name) == root {
			return &zones[i], nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrZoneNotFound, root)
}

// RootDomain strips a leading "www." and reduces hostname to its registrable
// domain (shop.example.co.uk -> example.co.uk).
func RootDomain(hostname string) (string, error) {
	h := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
	h = strings.TrimPrefix(h, "www.")
	if h == "" {
		return "", errors.New("empty hostname")
	}
	root, err := publicsuffix.EffectiveTLDPlusOne(h)
	if err != nil {
		return "", fmt.Errorf("cannot derive root domain of %q: %w", hostname, err)
	}
	return root, nil
}
