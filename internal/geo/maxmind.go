package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"nameguard-service/internal/models"
)

type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
}

type asnReader interface {
	ASN(ip net.IP) (*geoip2.ASN, error)
}

// MaxMindProvider answers from local GeoLite2/GeoIP2 databases. It never
// touches the network, so it is the cheapest tier when configured.
type MaxMindProvider struct {
	city    cityReader
	asn     asnReader
	closers []func() error
}

// OpenMaxMind opens the city database and, when asnPath is set, the ASN database.
func OpenMaxMind(cityPath, asnPath string) (*MaxMindProvider, error) {
	cityDB, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open city database: %w", err)
	}
	p := &MaxMindProvider{city: cityDB, closers: []func() error{cityDB.Close}}

	if asnPath != "" {
		asnDB, err := geoip2.Open(asnPath)
		if err != nil {
			cityDB.Close()
			return nil, fmt.Errorf("failed to open asn database: %w", err)
		}
		p.asn = asnDB
		p.closers = append(p.closers, asnDB.Close)
	}
	return p, nil
}

func (p *MaxMindProvider) Name() string { return "maxmind" }

func (p *MaxMindProvider) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *MaxMindProvider) Lookup(_ context.Context, ip string) (models.GeoSnapshot, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return models.GeoSnapshot{}, fmt.Errorf("%w: maxmind: invalid ip %q", ErrProviderUnavailable, ip)
	}

	record, err := p.city.City(parsed)
	if err != nil {
		return models.GeoSnapshot{}, fmt.Errorf("%w: maxmind: %v", ErrProviderUnavailable, err)
	}
	if record.Country.IsoCode == "" {
		return models.GeoSnapshot{}, fmt.Errorf("%w: maxmind: no record for %s", ErrProviderUnavailable, ip)
	}

	snap := models.GeoSnapshot{Success: true, IP: ip, Provider: p.Name()}
	snap.Country = models.SomeString(record.Country.IsoCode)
	snap.Continent = models.SomeString(record.Continent.Code)
	if len(record.Subdivisions) > 0 {
		snap.Region = models.SomeString(record.Subdivisions[0].Names["en"])
	}
	snap.City = models.SomeString(record.City.Names["en"])
	snap.Latitude, snap.Longitude = coord(record.Location.Latitude, record.Location.Longitude)
	snap.Timezone = models.SomeString(record.Location.TimeZone)
	snap.Postal = models.SomeString(record.Postal.Code)

	if p.asn != nil {
		if asn, err := p.asn.ASN(parsed); err == nil && asn.AutonomousSystemNumber != 0 {
			snap.ASN = NormalizeASN(asn.AutonomousSystemNumber)
			snap.Organization = models.SomeString(asn.AutonomousSystemOrganization)
		}
	}
	return snap, nil
}
