package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"nameguard-service/internal/models"
)

// IPWhoProvider queries ipwho.is, the cheapest and fastest tier.
type IPWhoProvider struct {
	httpJSON
	urlPattern string
}

func NewIPWhoProvider(urlPattern string, client *http.Client) *IPWhoProvider {
	return &IPWhoProvider{httpJSON: newHTTPJSON(client), urlPattern: urlPattern}
}

func (p *IPWhoProvider) Name() string { return "ipwho" }

type ipWhoResponse struct {
	Success       bool    `json:"success"`
	Message       string  `json:"message"`
	IP            string  `json:"ip"`
	Type          string  `json:"type"`
	ContinentCode string  `json:"continent_code"`
	CountryCode   string  `json:"country_code"`
	Region        string  `json:"region"`
	City          string  `json:"city"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Postal        string  `json:"postal"`
	CallingCode   string  `json:"calling_code"`
	Connection    *struct {
		ASN    any    `json:"asn"`
		Org    string `json:"org"`
		ISP    string `json:"isp"`
		Domain string `json:"domain"`
	} `json:"connection"`
	Timezone *struct {
		ID string `json:"id"`
	} `json:"timezone"`
}

func (p *IPWhoProvider) Lookup(ctx context.Context, ip string) (models.GeoSnapshot, error) {
	var resp ipWhoResponse
	if err := p.get(ctx, fmt.Sprintf(p.urlPattern, url.PathEscape(ip)), &resp); err != nil {
		return models.GeoSnapshot{}, err
	}
	if !resp.Success {
		return models.GeoSnapshot{}, fmt.Errorf("%w: ipwho: %s", ErrProviderUnavailable, resp.Message)
	}
	return normalizeIPWho(ip, resp), nil
}

func normalizeIPWho(ip string, r ipWhoResponse) models.GeoSnapshot {
	if r.IP != "" {
		ip = r.IP
	}
	snap := models.GeoSnapshot{Success: true, IP: ip, Provider: "ipwho"}
	snap.Continent = models.SomeString(r.ContinentCode)
	snap.Country = models.SomeString(r.CountryCode)
	snap.Region = models.SomeString(r.Region)
	snap.City = models.SomeString(r.City)
	snap.Latitude, snap.Longitude = coord(r.Latitude, r.Longitude)
	snap.Postal = models.SomeString(r.Postal)
	snap.CallingCode = models.SomeString(r.CallingCode)
	if r.Connection != nil {
		snap.ASN = NormalizeASN(r.Connection.ASN)
		snap.Organization = models.SomeString(r.Connection.Org)
		snap.ISP = models.SomeString(r.Connection.ISP)
		snap.ReverseDomain = models.SomeString(r.Connection.Domain)
	}
	if r.Timezone != nil {
		snap.Timezone = models.SomeString(r.Timezone.ID)
	}
	return snap
}
