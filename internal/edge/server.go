package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// transparentGIF is the 43-byte 1x1 transparent pixel returned for every
// tracking hit, pre-allocated once.
var transparentGIF = []byte{
	'G', 'I', 'F', '8', '9', 'a',
	0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00,
	0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
	0x02, 0x02, 0x44, 0x01, 0x00,
	0x3b,
}

var (
	pixelPathRe = regexp.MustCompile(`^/([A-Za-z0-9_-]{1,64})/([A-Za-z0-9_-]{1,64})_SMART\.GIF$`)
	idRe        = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Forwarder hands an accepted record to the worker tier. Implementations
// must not fail the HTTP response: any error handling happens behind this
// interface.
type Forwarder interface {
	Forward(rec model.TrackingRecord)
	QueueDepth() int
	QueueCap() int
}

// Server is the edge HTTP process: pixel hits, collector script, health.
type Server struct {
	srv                *http.Server
	fast               *FastPath
	forwarder          Forwarder
	maxConns           int
	scriptCacheSeconds int
	logger             *zap.Logger
}

func NewServer(addr string, fast *FastPath, forwarder Forwarder, maxConns, scriptCacheSeconds int, logger *zap.Logger) *Server {
	s := &Server{
		fast:               fast,
		forwarder:          forwarder,
		maxConns:           maxConns,
		scriptCacheSeconds: scriptCacheSeconds,
		logger:             logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/js/", s.handleScript)
	mux.HandleFunc("/", s.handlePixel)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens with the connection cap applied and serves in the
// background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, s.maxConns)
	s.logger.Info("edge HTTP server listening",
		zap.String("addr", s.srv.Addr),
		zap.Int("max_conns", s.maxConns),
	)
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("edge HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// securityHeaders apply to every response. CORS is wide open: the pixel is
// embedded on arbitrary third-party origins.
func securityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Allow-Methods", "*")
}

// handlePixel serves /{company}/{pixel}_SMART.GIF. The response is always
// the GIF; classification and handoff failures are invisible to the caller.
func (s *Server) handlePixel(w http.ResponseWriter, r *http.Request) {
	securityHeaders(w)

	// Suffix match is case-insensitive; the capture groups are not.
	path := r.URL.Path
	if i := strings.LastIndex(strings.ToUpper(path), "_SMART.GIF"); i >= 0 {
		path = path[:i] + "_SMART.GIF"
	}
	m := pixelPathRe.FindStringSubmatch(path)
	if m == nil {
		http.NotFound(w, r)
		return
	}

	rec := s.buildRecord(r, m[1], m[2])
	rec = s.fast.Enrich(rec)
	s.forwarder.Forward(rec)

	metrics.HitsReceivedTotal.WithLabelValues(m[1]).Inc()

	h := w.Header()
	h.Set("Content-Type", "image/gif")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Accept-CH", "Sec-CH-UA, Sec-CH-UA-Platform, Sec-CH-UA-Platform-Version, Sec-CH-UA-Model, Sec-CH-UA-Full-Version-List, Sec-CH-UA-Arch")
	h.Set("Content-Length", fmt.Sprintf("%d", len(transparentGIF)))
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}

func (s *Server) buildRecord(r *http.Request, company, pixel string) model.TrackingRecord {
	headersJSON, err := json.Marshal(r.Header)
	if err != nil {
		headersJSON = []byte("{}")
	}
	return model.TrackingRecord{
		ReceivedAt:  time.Now().UTC(),
		CompanyID:   company,
		PixelID:     pixel,
		IPAddress:   ClientIP(r),
		UserAgent:   model.Truncate(r.UserAgent()),
		Referer:     model.Truncate(r.Referer()),
		RequestPath: r.URL.Path,
		HeadersJSON: string(headersJSON),
		QueryString: r.URL.RawQuery,
	}
}

// handleScript serves /js/{company}/{pixel}.js.
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	securityHeaders(w)

	rest := strings.TrimPrefix(r.URL.Path, "/js/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || !strings.HasSuffix(parts[1], ".js") {
		http.NotFound(w, r)
		return
	}
	company := parts[0]
	pixel := strings.TrimSuffix(parts[1], ".js")
	if !idRe.MatchString(company) || !idRe.MatchString(pixel) {
		http.Error(w, "invalid company or pixel id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", s.scriptCacheSeconds))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, collectorScript, company, pixel)
}

// The collector script proper is an external collaborator; the edge only
// serves a bootstrap that loads it with the tenant identifiers bound.
const collectorScript = `(function(){
var c=%q,p=%q;
var img=new Image(1,1);
window._spx=window._spx||{company:c,pixel:p,fire:function(qs){
img.src='/'+c+'/'+p+'_SMART.GIF?'+qs;}};
})();
`

// handleHealth reports queue state for operators.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	securityHeaders(w)

	depth := s.forwarder.QueueDepth()
	capacity := s.forwarder.QueueCap()
	status := "ok"
	queueStatus := "ok"
	switch {
	case capacity > 0 && depth >= capacity:
		status = "degraded"
		queueStatus = "full"
	case capacity > 0 && depth*10 >= capacity*8:
		queueStatus = "warn"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"queueDepth":  depth,
		"queueStatus": queueStatus,
	})
}

// ClientIP extracts the original client address from the proxy header
// priority chain, trusting one upstream hop only.
func ClientIP(r *http.Request) string {
	for _, h := range []string{"CF-Connecting-IP", "True-Client-IP", "X-Real-IP"} {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		if v := strings.TrimSpace(xff); v != "" {
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
