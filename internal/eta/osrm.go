package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/qmuter-tracking/internal/models"
)

// OSRMClient performs route/eta lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func profileFor(mode Mode) string {
	if mode == ModeWalking {
		return "foot"
	}
	return "driving"
}

// EstimateSeconds queries OSRM /route between points and returns duration in seconds.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord, mode Mode) (float64, error) {
	// OSRM route query: /route/v1/{profile}/{lon1},{lat1};{lon2},{lat2}?overview=false
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, profileFor(mode), from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Routes []struct {
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Duration, nil
}

// OSRMEstimator serves ETAs from OSRM and falls back to the haversine model
// when the routing server cannot answer.
type OSRMEstimator struct {
	Client *OSRMClient
	Cache  *Cache
	Logger *zap.Logger
}

func (e *OSRMEstimator) EstimateMinutes(ctx context.Context, from, to models.Coord, mode Mode) int {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to, mode); ok {
			return v
		}
	}
	secs, err := e.Client.EstimateSeconds(ctx, from, to, mode)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Warn("osrm estimate failed, using haversine", zap.String("mode", string(mode)), zap.Error(err))
		}
		return EstimateMinutes(from, to, mode)
	}
	minutes := int(math.Round(secs / 60))
	if minutes < 0 {
		minutes = 0
	}
	if e.Cache != nil {
		e.Cache.Set(from, to, mode, minutes)
	}
	return minutes
}

// NewEstimator returns an OSRM-backed estimator with a TTL cache when
// endpoint is set, and the haversine model otherwise.
func NewEstimator(endpoint string, cacheTTL time.Duration, logger *zap.Logger) Estimator {
	if endpoint == "" {
		return Haversine{}
	}
	return &OSRMEstimator{
		Client: NewOSRMClient(endpoint),
		Cache:  NewCache(cacheTTL, 10000),
		Logger: logger,
	}
}
