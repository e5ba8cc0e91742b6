package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
)

type directionsClient interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// GoogleOracle routes through the Google Maps Directions API, visiting the
// dropoffs in the order given.
type GoogleOracle struct {
	client directionsClient
}

func NewGoogleOracle(apiKey string) (*GoogleOracle, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleOracle{client: client}, nil
}

func (g *GoogleOracle) Route(ctx context.Context, origin models.Coord, waypoints []models.Coord) (Route, error) {
	if len(waypoints) == 0 {
		return Route{}, fmt.Errorf("no destination")
	}
	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(waypoints[len(waypoints)-1]),
		Mode:        maps.TravelModeDriving,
	}
	for _, w := range waypoints[:len(waypoints)-1] {
		r.Waypoints = append(r.Waypoints, latLng(w))
	}

	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, fmt.Errorf("no route found")
	}

	var meters int
	var secs float64
	for _, leg := range routes[0].Legs {
		meters += leg.Distance.Meters
		secs += leg.Duration.Seconds()
	}
	return Route{DistanceKm: float64(meters) / 1000, DurationMinutes: secs / 60}, nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}
