package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nameguard-service/internal/models"
)

// FindIPProvider queries findip.net, the paid high-fidelity source.
type FindIPProvider struct {
	httpJSON
	urlPattern string
	token      string
}

func NewFindIPProvider(urlPattern, token string, client *http.Client) *FindIPProvider {
	return &FindIPProvider{httpJSON: newHTTPJSON(client), urlPattern: urlPattern, token: token}
}

func (p *FindIPProvider) Name() string { return "findip" }

type findIPNames struct {
	Names map[string]string `json:"names"`
}

type findIPResponse struct {
	City      *findIPNames `json:"city"`
	Continent *struct {
		Code string `json:"code"`
	} `json:"continent"`
	Country *struct {
		IsoCode string `json:"iso_code"`
	} `json:"country"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		TimeZone  string  `json:"time_zone"`
	} `json:"location"`
	Postal *struct {
		Code string `json:"code"`
	} `json:"postal"`
	Subdivisions []findIPNames `json:"subdivisions"`
	Traits       *struct {
		ASN          any    `json:"autonomous_system_number"`
		Organization string `json:"autonomous_system_organization"`
		ISP          string `json:"isp"`
	} `json:"traits"`
	Error string `json:"error"`
}

func (p *FindIPProvider) Lookup(ctx context.Context, ip string) (models.GeoSnapshot, error) {
	endpoint := fmt.Sprintf(p.urlPattern, url.PathEscape(ip))
	if p.token != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + "token=" + url.QueryEscape(p.token)
	}

	var resp findIPResponse
	if err := p.get(ctx, endpoint, &resp); err != nil {
		return models.GeoSnapshot{}, err
	}
	if resp.Error != "" || resp.Country == nil {
		return models.GeoSnapshot{}, fmt.Errorf("%w: findip: %s", ErrProviderUnavailable, strings.TrimSpace(resp.Error+" missing country"))
	}
	return normalizeFindIP(ip, resp), nil
}

func normalizeFindIP(ip string, r findIPResponse) models.GeoSnapshot {
	snap := models.GeoSnapshot{Success: true, IP: ip, Provider: "findip"}
	if r.Country != nil {
		snap.Country = models.SomeString(r.Country.IsoCode)
	}
	if r.Continent != nil {
		snap.Continent = models.SomeString(r.Continent.Code)
	}
	if len(r.Subdivisions) > 0 {
		snap.Region = models.SomeString(r.Subdivisions[0].Names["en"])
	}
	if r.City != nil {
		snap.City = models.SomeString(r.City.Names["en"])
	}
	if r.Location != nil {
		snap.Latitude, snap.Longitude = coord(r.Location.Latitude, r.Location.Longitude)
		snap.Timezone = models.SomeString(r.Location.TimeZone)
	}
	if r.Postal != nil {
		snap.Postal = models.SomeString(r.Postal.Code)
	}
	if r.Traits != nil {
		snap.ASN = NormalizeASN(r.Traits.ASN)
		snap.Organization = models.SomeString(r.Traits.Organization)
		snap.ISP = models.SomeString(r.Traits.ISP)
	}
	return snap
}
