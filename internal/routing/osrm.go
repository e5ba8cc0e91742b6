package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 2 * time.Second}}
}

// Route queries OSRM /route through every waypoint in order.
func (o *OSRMClient) Route(ctx context.Context, origin models.Coord, waypoints []models.Coord) (Route, error) {
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2};...?overview=false
	coords := make([]string, 0, len(waypoints)+1)
	for _, c := range append([]models.Coord{origin}, waypoints...) {
		coords = append(coords, fmt.Sprintf("%.6f,%.6f", c.Lon, c.Lat))
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=false", o.Endpoint, strings.Join(coords, ";"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Route{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return Route{DistanceKm: out.Routes[0].Distance / 1000, DurationMinutes: out.Routes[0].Duration / 60}, nil
}
