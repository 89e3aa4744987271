package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"nameguard-service/internal/models"
)

// IPAPIProvider queries ip-api.com.
type IPAPIProvider struct {
	httpJSON
	urlPattern string
}

func NewIPAPIProvider(urlPattern string, client *http.Client) *IPAPIProvider {
	return &IPAPIProvider{httpJSON: newHTTPJSON(client), urlPattern: urlPattern}
}

func (p *IPAPIProvider) Name() string { return "ipapi" }

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Zip         string  `json:"zip"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	AS          string  `json:"as"`
	Query       string  `json:"query"`
}

func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (models.GeoSnapshot, error) {
	var resp ipAPIResponse
	if err := p.get(ctx, fmt.Sprintf(p.urlPattern, url.PathEscape(ip)), &resp); err != nil {
		return models.GeoSnapshot{}, err
	}
	if resp.Status != "success" {
		return models.GeoSnapshot{}, fmt.Errorf("%w: ipapi: status %q %s", ErrProviderUnavailable, resp.Status, resp.Message)
	}
	return normalizeIPAPI(ip, resp), nil
}

func normalizeIPAPI(ip string, r ipAPIResponse) models.GeoSnapshot {
	if r.Query != "" {
		ip = r.Query
	}
	snap := models.GeoSnapshot{Success: true, IP: ip, Provider: "ipapi"}
	snap.Country = models.SomeString(r.CountryCode)
	snap.Region = models.SomeString(r.RegionName)
	snap.City = models.SomeString(r.City)
	snap.Postal = models.SomeString(r.Zip)
	snap.Latitude, snap.Longitude = coord(r.Lat, r.Lon)
	snap.Timezone = models.SomeString(r.Timezone)
	snap.ISP = models.SomeString(r.ISP)
	snap.Organization = models.SomeString(r.Org)
	if r.AS != "" {
		snap.ASN = NormalizeASN(r.AS)
	}
	return snap
}
