package cfapi

import (
	"context"
	"net/http"
	"net/url"
)

// Zone is a Cloudflare zone.
type Zone struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// DNSRecord is a Cloudflare DNS record.
type DNSRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl,omitempty"`
	Proxied bool   `json:"proxied"`
}

// ValidationRecord is one domain-control validation record of a custom
// hostname's certificate.
type ValidationRecord struct {
	TXTName  string `json:"txt_name,omitempty"`
	TXTValue string `json:"txt_value,omitempty"`
	HTTPURL  string `json:"http_url,omitempty"`
	HTTPBody string `json:"http_body,omitempty"`
}

// CustomHostnameSSL is the certificate section of a custom hostname.
type CustomHostnameSSL struct {
	Status            string             `json:"status,omitempty"`
	Method            string             `json:"method,omitempty"`
	Type              string             `json:"type,omitempty"`
	ValidationRecords []ValidationRecord `json:"validation_records,omitempty"`
}

// CustomHostname is a Cloudflare for SaaS custom hostname.
type CustomHostname struct {
	ID                 string            `json:"id,omitempty"`
	Hostname           string            `json:"hostname"`
	Status             string            `json:"status,omitempty"`
	SSL                CustomHostnameSSL `json:"ssl"`
	CustomOriginServer string            `json:"custom_origin_server,omitempty"`
}

// ZoneIDByName returns the id of the active zone named name, or "" when
// the account has no such zone.
func (c *Client) ZoneIDByName(ctx context.Context, name string) (string, error) {
	q := url.Values{"name": {name}, "status": {"active"}, "per_page": {"1"}}
	var zones []Zone
	if err := c.do(ctx, http.MethodGet, "/zones", q, nil, &zones); err != nil {
		return "", err
	}
	if len(zones) == 0 {
		return "", nil
	}
	return zones[0].ID, nil
}

// FindDNSRecord returns the record with exactly this name and type, or nil.
func (c *Client) FindDNSRecord(ctx context.Context, zoneID, name, recordType string) (*DNSRecord, error) {
	q := url.Values{"name": {name}, "type": {recordType}, "per_page": {"100"}, "match": {"all"}}
	var recs []DNSRecord
	if err := c.do(ctx, http.MethodGet, "/zones/"+zoneID+"/dns_records", q, nil, &recs); err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Name == name {
			return &recs[i], nil
		}
	}
	return nil, nil
}

// CreateDNSRecord creates a record in zoneID.
func (c *Client) CreateDNSRecord(ctx context.Context, zoneID string, rec DNSRecord) (*DNSRecord, error) {
	var out DNSRecord
	if err := c.do(ctx, http.MethodPost, "/zones/"+zoneID+"/dns_records", nil, rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDNSRecord replaces the record id in zoneID.
func (c *Client) UpdateDNSRecord(ctx context.Context, zoneID, id string, rec DNSRecord) (*DNSRecord, error) {
	var out DNSRecord
	if err := c.do(ctx, http.MethodPut, "/zones/"+zoneID+"/dns_records/"+id, nil, rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteDNSRecord deletes the record id in zoneID.
func (c *Client) DeleteDNSRecord(ctx context.Context, zoneID, id string) error {
	return c.do(ctx, http.MethodDelete, "/zones/"+zoneID+"/dns_records/"+id, nil, nil, nil)
}

// FindCustomHostname returns the custom hostname for hostname, or nil.
func (c *Client) FindCustomHostname(ctx context.Context, zoneID, hostname string) (*CustomHostname, error) {
	q := url.Values{"hostname": {hostname}}
	var list []CustomHostname
	if err := c.do(ctx, http.MethodGet, "/zones/"+zoneID+"/custom_hostnames", q, nil, &list); err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Hostname == hostname {
			return &list[i], nil
		}
	}
	return nil, nil
}

// CreateCustomHostname creates a DV custom hostname validated by method
// ("http" or "txt"). origin may be empty.
func (c *Client) CreateCustomHostname(ctx context.Context, zoneID, hostname, method, origin string) (*CustomHostname, error) {
	body := CustomHostname{
		Hostname:           hostname,
		SSL:                CustomHostnameSSL{Method: method, Type: "dv"},
		CustomOriginServer: origin,
	}
	var out CustomHostname
	if err := c.do(ctx, http.MethodPost, "/zones/"+zoneID+"/custom_hostnames", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteCustomHostname deletes the custom hostname id.
func (c *Client) DeleteCustomHostname(ctx context.Context, zoneID, id string) error {
	return c.do(ctx, http.MethodDelete, "/zones/"+zoneID+"/custom_hostnames/"+id, nil, nil, nil)
}
