package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"histfill/internal/domain"
	"histfill/internal/gather"
	"histfill/internal/gateway"
	"histfill/internal/store"
	"histfill/internal/symbolcache"
	"histfill/internal/util"
)

// Operations is the acquisition service as seen by the API.
type Operations interface {
	Download(ctx context.Context, req gather.Request) (string, error)
	Status(ctx context.Context, id string) (domain.Operation, error)
	List(ctx context.Context, limit int) ([]domain.Operation, error)
	Cancel(id string) error
}

// GatewayInfo exposes connection state. *gateway.Manager implements it.
type GatewayInfo interface {
	Status() gateway.Status
	Metrics() gateway.Metrics
}

// Catalog lists the symbols with stored bars. *store.ParquetStore
// implements it.
type Catalog interface {
	ListSymbols(ctx context.Context, tf domain.Timeframe) ([]string, error)
}

// Server serves the REST API. Everything but Operations is optional; routes
// backed by a missing dependency answer 503.
type Server struct {
	Operations Operations
	Gateway    GatewayInfo
	Symbols    *symbolcache.Cache
	Bars       store.BarRepository
	Catalog    Catalog
	Metrics    prometheus.Gatherer
	// Ping, if set, is checked by /healthz.
	Ping func(ctx context.Context) error
	Log  *slog.Logger
}

// Handler builds the gin engine with all routes.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), cors())

	r.GET("/healthz", s.handleHealth)
	if s.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	v1.POST("/downloads", s.handleCreateDownload)
	v1.GET("/downloads", s.handleListDownloads)
	v1.GET("/downloads/:id", s.handleGetDownload)
	v1.DELETE("/downloads/:id", s.handleCancelDownload)
	v1.GET("/gateway", s.handleGateway)
	v1.GET("/symbols", s.handleListSymbols)
	v1.GET("/symbols/:symbol", s.handleGetSymbol)
	v1.DELETE("/symbols", s.handleClearSymbols)
	v1.DELETE("/symbols/:symbol", s.handleDeleteSymbol)
	v1.GET("/bars", s.handleListStored)
	v1.GET("/bars/:symbol", s.handleGetBars)
	return r
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	log := util.OrDefault(s.Log).With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}

func writeError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidMode),
		errors.Is(err, domain.ErrInvalidTimeframe):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrSymbolNotFound):
		return http.StatusNotFound
	case errors.Is(err, gather.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var errUnavailable = errors.New("not configured")

func (s *Server) handleHealth(c *gin.Context) {
	if s.Ping != nil {
		if err := s.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Downloads
// ---------------------------------------------------------------------------

func (s *Server) handleCreateDownload(c *gin.Context) {
	var body DownloadRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	id, err := s.Operations.Download(c.Request.Context(), req)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.Header("Location", "/api/v1/downloads/"+id)
	c.JSON(http.StatusAccepted, DownloadCreated{OperationID: id, Status: string(domain.OperationPending)})
}

func (s *Server) handleListDownloads(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	ops, err := s.Operations.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := ops[:0]
		for _, op := range ops {
			if string(op.Status) == status {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops, "count": len(ops)})
}

func (s *Server) handleGetDownload(c *gin.Context) {
	op, err := s.Operations.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (s *Server) handleCancelDownload(c *gin.Context) {
	id := c.Param("id")
	if err := s.Operations.Cancel(id); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	op, err := s.Operations.Status(c.Request.Context(), id)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusAccepted, op)
}

// ---------------------------------------------------------------------------
// Gateway and symbols
// ---------------------------------------------------------------------------

func (s *Server) handleGateway(c *gin.Context) {
	if s.Gateway == nil {
		writeError(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	c.JSON(http.StatusOK, GatewayResponse{Status: s.Gateway.Status(), Metrics: s.Gateway.Metrics()})
}

func (s *Server) handleListSymbols(c *gin.Context) {
	if s.Symbols == nil {
		writeError(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	entries := s.Symbols.Entries()
	out := make([]SymbolResponse, 0, len(entries))
	for _, l := range entries {
		out = append(out, symbolResponse(l))
	}
	c.JSON(http.StatusOK, gin.H{"symbols": out, "count": len(out)})
}

func (s *Server) handleGetSymbol(c *gin.Context) {
	if s.Symbols == nil {
		writeError(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	key := symbolcache.Key(c.Param("symbol"))
	for _, l := range s.Symbols.Entries() {
		if l.Symbol == key && !l.Expired {
			c.JSON(http.StatusOK, symbolResponse(l))
			return
		}
	}
	writeError(c, http.StatusNotFound, errors.New("symbol "+key+" is not cached"))
}

func (s *Server) handleClearSymbols(c *gin.Context) {
	if s.Symbols == nil {
		writeError(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	n := s.Symbols.Len()
	s.Symbols.Clear()
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func (s *Server) handleDeleteSymbol(c *gin.Context) {
	if s.Symbols == nil {
		writeError(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	s.Symbols.Delete(c.Param("symbol"))
	c.Status(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Bars
// ---------------------------------------------------------------------------

func (s *Server) handleListStored(c *gin.Context) {
	if s.Catalog == nil {
		writeError(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	tf, err := domain.ParseTimeframe(c.DefaultQuery("timeframe", string(domain.Timeframe1Day)))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	symbols, err := s.Catalog.ListSymbols(c.Request.Context(), tf)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"timeframe": tf, "symbols": symbols, "count": len(symbols)})
}

func (s *Server) handleGetBars(c *gin.Context) {
	if s.Bars == nil {
		writeError(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	symbol := symbolcache.Key(c.Param("symbol"))
	tf, err := domain.ParseTimeframe(c.DefaultQuery("timeframe", string(domain.Timeframe1Day)))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	start, err := parseTime(c.Query("start"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	end, err := parseTime(c.Query("end"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	var from, to time.Time
	if start != nil {
		from = *start
	}
	if end != nil {
		to = *end
	}

	bars, err := s.Bars.Load(c.Request.Context(), symbol, tf, from, to)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	if limit, _ := strconv.Atoi(c.Query("limit")); limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	c.JSON(http.StatusOK, BarsResponse{Symbol: symbol, Timeframe: string(tf), Count: len(bars), Bars: toBarJSON(bars)})
}
