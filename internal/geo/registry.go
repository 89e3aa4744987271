package geo

import (
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"nameguard-service/internal/config"
)

// BuildProviders instantiates the providers named in cfg.Geo.Providers in
// that order. A nil cache disables result caching. The returned closers
// release local databases.
func BuildProviders(cfg config.GeoConfig, client *http.Client, cache Cache, logger *zap.Logger) ([]Provider, []io.Closer, error) {
	if client == nil {
		client = NewHTTPClient(cfg.Timeout)
	}

	var (
		providers []Provider
		closers   []io.Closer
	)
	for _, name := range cfg.Providers {
		var p Provider
		switch name {
		case "findip":
			p = NewFindIPProvider(cfg.FindIPURL, cfg.FindIPToken, client)
		case "ipapi":
			p = NewIPAPIProvider(cfg.IPAPIURL, client)
		case "ipwho":
			p = NewIPWhoProvider(cfg.IPWhoURL, client)
		case "maxmind":
			mm, err := OpenMaxMind(cfg.MaxMindCityDB, cfg.MaxMindASNDB)
			if err != nil {
				for _, c := range closers {
					_ = c.Close()
				}
				return nil, nil, fmt.Errorf("maxmind provider: %w", err)
			}
			closers = append(closers, mm)
			p = mm
		default:
			return nil, closers, fmt.Errorf("unknown geo provider %q", name)
		}

		if cache != nil && name != "maxmind" {
			p = NewCachedProvider(p, cache, cfg.CacheTTL, logger)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, closers, ErrNoProviders
	}
	return providers, closers, nil
}
