package ranking

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/example/rider-assignment/internal/geo"
)

// Ring is one step of the search radius sequence: either a fixed radius or
// the whole platform.
type Ring struct {
	RadiusKm     float64
	PlatformWide bool
}

func Radius(km float64) Ring { return Ring{RadiusKm: km} }

func PlatformWide() Ring { return Ring{PlatformWide: true} }

// Km is the radius handed to the geospatial index.
func (r Ring) Km() float64 {
	if r.PlatformWide {
		return geo.PlatformWideKm
	}
	return r.RadiusKm
}

func (r Ring) String() string {
	if r.PlatformWide {
		return "platform"
	}
	return strconv.FormatFloat(r.RadiusKm, 'f', -1, 64) + "km"
}

// DefaultRings is 2km, 5km, 10km, then platform-wide.
func DefaultRings() []Ring {
	return []Ring{Radius(2), Radius(5), Radius(10), PlatformWide()}
}

// ParseRings parses a comma separated list like "2,5,10,platform". Radii must
// be positive and strictly increasing; "platform" may only appear last.
func ParseRings(s string) ([]Ring, error) {
	var out []Ring
	last := 0.0
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), "km"))
		if part == "" {
			continue
		}
		if len(out) > 0 && out[len(out)-1].PlatformWide {
			return nil, fmt.Errorf("ranking: platform ring must be last in %q", s)
		}
		if part == "platform" || part == "*" {
			out = append(out, PlatformWide())
			continue
		}
		km, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("ranking: invalid ring %q: %w", part, err)
		}
		if km <= last {
			return nil, fmt.Errorf("ranking: ring radii must be positive and increasing, got %v after %v", km, last)
		}
		last = km
		out = append(out, Radius(km))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ranking: no rings in %q", s)
	}
	return out, nil
}
