package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// geoAPIResult mirrors the ip-api.com JSON response shape.
type geoAPIResult struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
	ISP         string `json:"isp"`
	AS          string `json:"as"`
	Reverse     string `json:"reverse"`
	Proxy       bool   `json:"proxy"`
	Mobile      bool   `json:"mobile"`
	Hosting     bool   `json:"hosting"`
}

// GeoAPI queries the external per-IP intelligence API. The provider is
// rate-limited per key, so the step sits behind a token-bucket limiter, a
// concurrency semaphore and a breaker; a cached result short-circuits all
// three. When any guard refuses, the step contributes nothing for this hit
// and the IP gets another chance on its next appearance.
type GeoAPI struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	sem      *semaphore.Weighted
	breaker  *gobreaker.CircuitBreaker
	cache    *gocache.Cache
}

func NewGeoAPI(endpoint string, requestsPerMinute, maxConcurrent int, timeout time.Duration) *GeoAPI {
	return &GeoAPI{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute/10+1),
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "geo-api",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		cache: gocache.New(6*time.Hour, 30*time.Minute),
	}
}

func (s *GeoAPI) Name() string { return "geo_api" }

func (s *GeoAPI) Apply(ctx context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	if s.endpoint == "" || srv(rec, "skipGeo") == "1" {
		return rec, nil
	}

	if cached, ok := s.cache.Get(rec.IPAddress); ok {
		metrics.GeoAPIRequestsTotal.WithLabelValues("cache_hit").Inc()
		return appendGeoAPI(rec, cached.(geoAPIResult)), nil
	}

	if !s.limiter.Allow() {
		metrics.GeoAPIRequestsTotal.WithLabelValues("throttled").Inc()
		return rec, nil
	}
	if !s.sem.TryAcquire(1) {
		metrics.GeoAPIRequestsTotal.WithLabelValues("throttled").Inc()
		return rec, nil
	}
	defer s.sem.Release(1)

	res, err := s.breaker.Execute(func() (any, error) {
		return s.fetch(ctx, rec.IPAddress)
	})
	if err != nil {
		metrics.GeoAPIRequestsTotal.WithLabelValues("error").Inc()
		return rec, err
	}
	result := res.(geoAPIResult)
	metrics.GeoAPIRequestsTotal.WithLabelValues("ok").Inc()
	s.cache.SetDefault(rec.IPAddress, result)
	return appendGeoAPI(rec, result), nil
}

func (s *GeoAPI) fetch(ctx context.Context, ip string) (geoAPIResult, error) {
	url := fmt.Sprintf("%s/%s?fields=status,countryCode,isp,as,reverse,proxy,mobile,hosting", s.endpoint, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return geoAPIResult{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return geoAPIResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return geoAPIResult{}, fmt.Errorf("geo api status %d", resp.StatusCode)
	}
	var result geoAPIResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return geoAPIResult{}, err
	}
	if result.Status != "success" {
		return geoAPIResult{}, fmt.Errorf("geo api lookup failed for %s", ip)
	}
	return result, nil
}

func appendGeoAPI(rec model.TrackingRecord, r geoAPIResult) model.TrackingRecord {
	return rec.WithServerParams(
		"ipapiCC", r.CountryCode,
		"ipapiISP", r.ISP,
		"ipapiProxy", boolParam(r.Proxy),
		"ipapiMobile", boolParam(r.Mobile),
		"ipapiReverse", r.Reverse,
		"ipapiASN", asnNumber(r.AS),
	)
}

// asnNumber strips the "AS15169 Google LLC" prefix form to the bare number.
func asnNumber(as string) string {
	if !strings.HasPrefix(as, "AS") {
		return as
	}
	rest := as[2:]
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
