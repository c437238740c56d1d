package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/signalmesh/engine/internal/metrics"
	sig "github.com/signalmesh/engine/internal/signal"
)

// Server exposes the Trading Executor's inbound business API (spec
// §4.9's POST /api/v1/trading/execute), shaped after
// internal/api/server.go's gin setup — release mode, recovery +
// request-logging middleware, permissive CORS for now.
type Server struct {
	router       *gin.Engine
	executor     *Executor
	sharedSecret string
	addr         string
	httpServer   *http.Server
}

// NewServer constructs the executor's HTTP server. sharedSecret verifies
// the Distributor's X-Signature header (spec §4.9 step 1).
func NewServer(host string, port int, ex *Executor, sharedSecret string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	router.Use(metrics.GinMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Signature", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router:       router,
		executor:     ex,
		sharedSecret: sharedSecret,
		addr:         fmt.Sprintf("%s:%d", host, port),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.POST("/api/v1/trading/execute", s.handleExecute)
}

// executeResponse is the JSON body the execute handler writes back for a
// bracket-order submission request.
type executeResponse struct {
	Success    bool   `json:"success"`
	OrderID    string `json:"order_id,omitempty"`
	ExecutorID string `json:"executor_id,omitempty"`
	ReasonCode string `json:"reason_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleExecute(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, executeResponse{Error: "unable to read request body"})
		return
	}

	if !verifySignature(s.sharedSecret, body, c.GetHeader("X-Signature")) {
		c.JSON(http.StatusUnauthorized, executeResponse{Error: "invalid signature"})
		return
	}

	var signal sig.Signal
	if err := json.Unmarshal(body, &signal); err != nil {
		c.JSON(http.StatusBadRequest, executeResponse{Error: "malformed signal payload"})
		return
	}
	if err := signal.ValidateSides(); err != nil {
		c.JSON(http.StatusBadRequest, executeResponse{Error: err.Error()})
		return
	}

	idempotencyKey := c.GetHeader("Idempotency-Key")
	if idempotencyKey == "" {
		idempotencyKey = signal.SignalID
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	outcome := s.executor.Execute(ctx, signal, idempotencyKey)
	if outcome.Err != nil {
		log.Error().Err(outcome.Err).Str("signal_id", signal.SignalID).Msg("executor: submission error")
	}

	if outcome.Accepted {
		c.JSON(http.StatusOK, executeResponse{Success: true, OrderID: outcome.OrderID, ExecutorID: s.executor.br.ID()})
		return
	}

	// Gate rejections and broker business rejections are both reported as
	// HTTP 200 with success=false (spec §4.9's response taxonomy) so the
	// Distributor can branch on reason_code rather than status code.
	c.JSON(http.StatusOK, executeResponse{Success: false, ReasonCode: string(outcome.ReasonCode), ExecutorID: s.executor.br.ID()})
}

// verifySignature checks an HMAC-SHA256 X-Signature header against body.
func verifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Start runs the HTTP server, blocking until it stops or errors.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Info().Str("addr", s.addr).Msg("starting trading executor server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("executor server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("executor request")
	}
}
