package models

// GeoSnapshot is the normalised result of one provider lookup.
type GeoSnapshot struct {
	Success  bool   `json:"success"`
	IP       string `json:"ip"`
	Provider string `json:"provider"`
	GeoSignals
}

// LocalSnapshot is returned for private, loopback and link-local addresses
// without contacting any provider.
func LocalSnapshot(ip string) GeoSnapshot {
	return GeoSnapshot{
		Success:  true,
		IP:       ip,
		Provider: "local",
		GeoSignals: GeoSignals{
			Country:      Some("LO"),
			Continent:    Some("LO"),
			Region:       Some("Local"),
			City:         Some("Localhost"),
			Latitude:     Some(0.0),
			Longitude:    Some(0.0),
			Timezone:     Some("UTC"),
			ASN:          Some("AS0"),
			Organization: Some("Local Network"),
			ISP:          Some("Local ISP"),
		},
	}
}
