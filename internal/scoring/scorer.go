// Package scoring compares a fresh fingerprint against stored history.
package scoring

import (
	"math"
	"strings"

	"nameguard-service/internal/config"
	"nameguard-service/internal/models"
)

type Override string

const (
	OverrideNone  Override = "none"
	OverrideAllow Override = "allow"
	OverrideDeny  Override = "deny"
)

// MaxScore is the similarity of two fully populated identical fingerprints.
const MaxScore = 100.0

// Result is the outcome of one comparison.
type Result struct {
	GeographicMatch bool     `json:"geographic_match"`
	Similarity      float64  `json:"similarity"`
	HardOverride    Override `json:"hard_override"`
	// DistanceKm is NaN when either side has no coordinates.
	DistanceKm float64 `json:"-"`
}

type Scorer struct {
	weights                  config.Weights
	toleranceKm              float64
	secondaryIDAuthoritative bool
}

func NewScorer(weights config.Weights, toleranceKm float64, secondaryIDAuthoritative bool) *Scorer {
	return &Scorer{weights: weights, toleranceKm: toleranceKm, secondaryIDAuthoritative: secondaryIDAuthoritative}
}

// FromConfig builds a scorer from the verification policy.
func FromConfig(v config.VerificationConfig) *Scorer {
	return NewScorer(v.Weights, v.GeoToleranceKm, v.SecondaryIDAuthoritative)
}

// Score compares fresh against one stored fingerprint.
func (s *Scorer) Score(fresh, stored models.Fingerprint) Result {
	res := Result{HardOverride: s.HardOverride(fresh, stored), DistanceKm: math.NaN()}
	switch res.HardOverride {
	case OverrideDeny:
		return res
	case OverrideAllow:
		res.Similarity = MaxScore
	}

	res.GeographicMatch, res.DistanceKm = s.GeoMatch(fresh.Geo, stored.Geo)
	if res.HardOverride == OverrideNone {
		res.Similarity = s.similarity(fresh, stored, res.DistanceKm)
	}
	return res
}

// ScoreHistory compares fresh against every stored fingerprint. A platform
// id match anywhere allows, otherwise a mismatch anywhere denies. Among the
// rest the best geographically matching result wins, then the highest score.
func (s *Scorer) ScoreHistory(fresh models.Fingerprint, history []models.Fingerprint) Result {
	best := Result{HardOverride: OverrideNone, DistanceKm: math.NaN()}
	denied := false
	found := false
	for _, stored := range history {
		r := s.Score(fresh, stored)
		switch r.HardOverride {
		case OverrideAllow:
			return r
		case OverrideDeny:
			denied = true
			continue
		}
		if !found || better(r, best) {
			best, found = r, true
		}
	}
	if denied {
		return Result{HardOverride: OverrideDeny, DistanceKm: math.NaN()}
	}
	return best
}

// HardOverrideHistory is the identity-only part of ScoreHistory. It runs
// before any geo lookup.
func (s *Scorer) HardOverrideHistory(fresh models.Fingerprint, history []models.Fingerprint) Override {
	out := OverrideNone
	for _, stored := range history {
		switch s.HardOverride(fresh, stored) {
		case OverrideAllow:
			return OverrideAllow
		case OverrideDeny:
			out = OverrideDeny
		}
	}
	return out
}

func better(a, b Result) bool {
	if a.GeographicMatch != b.GeographicMatch {
		return a.GeographicMatch
	}
	return a.Similarity > b.Similarity
}

// HardOverride applies the platform id rule, and the secondary id rule when
// secondary ids are authoritative for the deployment.
func (s *Scorer) HardOverride(fresh, stored models.Fingerprint) Override {
	if fresh.PlatformID.Valid && stored.PlatformID.Valid {
		if fresh.PlatformID.Value == stored.PlatformID.Value {
			return OverrideAllow
		}
		return OverrideDeny
	}
	if s.secondaryIDAuthoritative && fresh.SecondaryID.Valid && stored.SecondaryID.Valid &&
		fresh.Edition == stored.Edition {
		if fresh.SecondaryID.Value == stored.SecondaryID.Value {
			return OverrideAllow
		}
		return OverrideDeny
	}
	return OverrideNone
}

// GeoMatch is the geographic gate: country, region and city must agree (or
// be absent on both sides) and the distance must be within tolerance.
func (s *Scorer) GeoMatch(fresh, stored models.GeoSignals) (bool, float64) {
	for _, pair := range [][2]models.Signal[string]{
		{fresh.Country, stored.Country},
		{fresh.Region, stored.Region},
		{fresh.City, stored.City},
	} {
		if known, match := foldCompare(pair[0], pair[1]); known && !match {
			return false, distance(fresh, stored)
		}
	}

	d := distance(fresh, stored)
	switch {
	case !fresh.HasCoordinates() && !stored.HasCoordinates():
		return true, d
	case fresh.HasCoordinates() != stored.HasCoordinates():
		return false, d
	}
	return d <= s.toleranceKm, d
}

func distance(a, b models.GeoSignals) float64 {
	if !a.HasCoordinates() || !b.HasCoordinates() {
		return math.NaN()
	}
	return HaversineKm(a.Latitude.Value, a.Longitude.Value, b.Latitude.Value, b.Longitude.Value)
}

// check is one weighted agreement. score is in [0,1].
type check struct {
	weight float64
	known  bool
	score  float64
}

func boolCheck[T comparable](weight float64, a, b models.Signal[T]) check {
	known, match := a.Compare(b)
	return check{weight: weight, known: known, score: b2f(match)}
}

func foldCheck(weight float64, a, b models.Signal[string]) check {
	known, match := foldCompare(a, b)
	return check{weight: weight, known: known, score: b2f(match)}
}

func foldCompare(a, b models.Signal[string]) (known, match bool) {
	known, _ = a.Compare(b)
	if !known || !a.Valid || !b.Valid {
		return known, false
	}
	return true, strings.EqualFold(a.Value, b.Value)
}

// category returns the share of known weight that agreed. A category with no
// known signal reports known=false and contributes nothing.
func category(checks ...check) (ratio float64, known bool) {
	var total, got float64
	for _, c := range checks {
		if !c.known || c.weight <= 0 {
			continue
		}
		total += c.weight
		got += c.weight * c.score
	}
	if total == 0 {
		return 0, false
	}
	return got / total, true
}

func (s *Scorer) similarity(fresh, stored models.Fingerprint, distanceKm float64) float64 {
	w := s.weights

	identity, _ := category(
		boolCheck(w.SecondaryID, fresh.SecondaryID, stored.SecondaryID),
		boolCheck(w.Edition, fresh.Edition, stored.Edition),
		boolCheck(w.ProtocolVersion, fresh.ProtocolVersion, stored.ProtocolVersion),
	)
	network, _ := category(
		boolCheck(w.IPVersion, fresh.IPVersion, stored.IPVersion),
		boolCheck(w.Subnet, fresh.SubnetHash, stored.SubnetHash),
		boolCheck(w.PseudoASN, fresh.PseudoASNHash, stored.PseudoASNHash),
		boolCheck(w.PTR, fresh.PTRHash, stored.PTRHash),
		boolCheck(w.TCPTTL, fresh.TCPTTL, stored.TCPTTL),
		boolCheck(w.TCPMSS, fresh.TCPMSS, stored.TCPMSS),
	)
	client, _ := category(
		boolCheck(w.ClientBrand, fresh.ClientBrand, stored.ClientBrand),
		boolCheck(w.DeviceOS, fresh.DeviceOS, stored.DeviceOS),
		boolCheck(w.ModListHash, fresh.ModListHash, stored.ModListHash),
		boolCheck(w.ResourcePack, fresh.ResourcePackHash, stored.ResourcePackHash),
		boolCheck(w.Viewport, fresh.Viewport, stored.Viewport),
		boolCheck(w.Locale, fresh.Locale, stored.Locale),
		boolCheck(w.DisplayOptions, fresh.DisplayOptions, stored.DisplayOptions),
	)
	geo, _ := category(
		foldCheck(w.Country, fresh.Geo.Country, stored.Geo.Country),
		foldCheck(w.Continent, fresh.Geo.Continent, stored.Geo.Continent),
		foldCheck(w.Region, fresh.Geo.Region, stored.Geo.Region),
		foldCheck(w.City, fresh.Geo.City, stored.Geo.City),
		foldCheck(w.Timezone, fresh.Geo.Timezone, stored.Geo.Timezone),
		s.distanceCheck(fresh.Geo, stored.Geo, distanceKm),
	)

	cw := w.Categories
	totalWeight := cw.Identity + cw.Network + cw.Client + cw.Geo
	if totalWeight <= 0 {
		return 0
	}
	sum := cw.Identity*identity + cw.Network*network + cw.Client*client + cw.Geo*geo
	score := sum / totalWeight * MaxScore
	return math.Min(MaxScore, math.Round(score*100)/100)
}

// distanceCheck gives full credit within tolerance and half credit within
// five times the tolerance.
func (s *Scorer) distanceCheck(fresh, stored models.GeoSignals, d float64) check {
	c := check{weight: s.weights.Distance}
	switch {
	case !fresh.HasCoordinates() && !stored.HasCoordinates():
		return c
	case math.IsNaN(d):
		c.known = true
		return c
	}
	c.known = true
	switch {
	case d <= s.toleranceKm:
		c.score = 1
	case d <= 5*s.toleranceKm:
		c.score = 0.5
	}
	return c
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
