// Package api serves the REST API and the websocket event stream.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/position"
	"github.com/moneyscripter/telesol/risk"
	"github.com/moneyscripter/telesol/solana"
	"github.com/moneyscripter/telesol/storage"
	"github.com/moneyscripter/telesol/trader"
	"github.com/moneyscripter/telesol/validator"
)

// Controller is the trading side the API drives.
type Controller interface {
	Positions() []*models.Position
	Balance(ctx context.Context) (decimal.Decimal, error)
	Close(ctx context.Context, id string) (*models.Position, error)
	ManualBuy(ctx context.Context, mint string, amountSOL decimal.Decimal) (*models.Position, error)
	CheckToken(ctx context.Context, mint string) (*validator.Result, error)
	Blacklist(mint string)
	Pause()
	Resume()
	Status() trader.Status
	Stats(ctx context.Context) (*models.Stats, error)
}

// Store is the read side of the storage.
type Store interface {
	ListSignals(ctx context.Context, limit int) ([]*models.Signal, error)
	Position(ctx context.Context, id string) (*models.Position, error)
	ListPositions(ctx context.Context, status models.PositionStatus, limit int) ([]*models.Position, error)
	ListTrades(ctx context.Context, limit int) ([]*models.Trade, error)
}

type Options struct {
	Token  string // bearer token, empty disables auth
	DryRun bool
	// TradeTimeout bounds a buy or close. A disconnecting client does not
	// abort a swap that may already be on chain.
	TradeTimeout time.Duration
}

const defaultTradeTimeout = 2 * time.Minute

type Server struct {
	R      *gin.Engine
	ctrl   Controller
	store  Store
	hub    *Hub
	opts   Options
	Logger *zap.Logger
}

// envelope wraps every response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type buyRequest struct {
	TokenAddress string          `json:"token_address" binding:"required"`
	AmountSOL    decimal.Decimal `json:"amount_sol"`
}

type tokenRequest struct {
	TokenAddress string `json:"token_address" binding:"required"`
}

type balanceResponse struct {
	BalanceSOL decimal.Decimal `json:"balance_sol"`
	DryRun     bool            `json:"dry_run"`
}

type healthResponse struct {
	Status        string `json:"status"`
	Paused        bool   `json:"paused"`
	OpenPositions int    `json:"open_positions"`
	Clients       int    `json:"ws_clients"`
}

// NewServer wires the router, handlers and middleware.
func NewServer(ctrl Controller, store Store, hub *Hub, opts Options, logger *zap.Logger) *Server {
	g := gin.New()
	logger = logger.Named("api")
	if opts.TradeTimeout <= 0 {
		opts.TradeTimeout = defaultTradeTimeout
	}

	// Request logging
	g.Use(func(cn *gin.Context) {
		start := time.Now()
		cn.Next()
		logger.Info("http_request",
			zap.String("method", cn.Request.Method),
			zap.String("path", cn.Request.URL.Path),
			zap.Int("status", cn.Writer.Status()),
			zap.String("ip", cn.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	})

	g.Use(gin.Recovery())

	s := &Server{
		R:      g,
		ctrl:   ctrl,
		store:  store,
		hub:    hub,
		opts:   opts,
		Logger: logger,
	}

	g.GET("/health", s.health)

	authed := g.Group("/", s.auth)
	authed.GET("/wallet/balance", s.balance)
	authed.GET("/trades", s.listTrades)
	authed.POST("/trades", s.buy)
	authed.POST("/trades/", s.buy)
	authed.GET("/positions", s.listPositions)
	authed.GET("/positions/:id", s.getPosition)
	authed.POST("/positions/:id/close", s.closePosition)
	authed.GET("/signals", s.listSignals)
	authed.GET("/stats", s.stats)
	authed.GET("/tokens/:mint/check", s.checkToken)
	authed.POST("/blacklist", s.blacklist)
	authed.POST("/control/pause", s.pause)
	authed.POST("/control/resume", s.resume)
	authed.GET("/ws", func(cn *gin.Context) { s.hub.HandleWebSocket(cn.Writer, cn.Request) })

	return s
}

// --- Helpers ---

// auth checks the bearer token. Websocket clients may pass it as ?token=.
func (s *Server) auth(c *gin.Context) {
	if s.opts.Token == "" {
		c.Next()
		return
	}
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		token = c.Query("token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Error: "unauthorized"})
		return
	}
	c.Next()
}

// tradeContext detaches a trade from the request so that it runs to
// completion once submitted.
func (s *Server) tradeContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), s.opts.TradeTimeout)
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, envelope{Error: msg})
}

func (s *Server) internalError(c *gin.Context, where string, err error) {
	s.Logger.Error("internal_error", zap.String("where", where), zap.Error(err))
	fail(c, http.StatusInternalServerError, "internal server error")
}

// tradeError maps pipeline errors to status codes.
func (s *Server) tradeError(c *gin.Context, where string, err error) {
	var rejection *validator.Rejection
	switch {
	case errors.As(err, &rejection),
		errors.Is(err, risk.ErrInsufficientBalance),
		errors.Is(err, risk.ErrTooManyPositions),
		errors.Is(err, risk.ErrTradeTooSmall):
		fail(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, trader.ErrPositionExists), errors.Is(err, position.ErrBusy), errors.Is(err, position.ErrAmbiguous), errors.Is(err, position.ErrClosed):
		fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, position.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		fail(c, http.StatusNotFound, err.Error())
	default:
		s.Logger.Error("trade_error", zap.String("where", where), zap.Error(err))
		fail(c, http.StatusBadGateway, err.Error())
	}
}

func parseLimit(v string, def, min, max int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return def
	}
	return n
}

// --- Handlers ---

func (s *Server) health(c *gin.Context) {
	status := s.ctrl.Status()
	ok(c, http.StatusOK, healthResponse{
		Status:        "ok",
		Paused:        status.Paused,
		OpenPositions: status.OpenPositions,
		Clients:       s.hub.Clients(),
	})
}

func (s *Server) balance(c *gin.Context) {
	balance, err := s.ctrl.Balance(c.Request.Context())
	if err != nil {
		s.tradeError(c, "Balance", err)
		return
	}
	ok(c, http.StatusOK, balanceResponse{BalanceSOL: balance, DryRun: s.opts.DryRun})
}

func (s *Server) buy(c *gin.Context) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if !solana.IsValidAddress(req.TokenAddress) {
		fail(c, http.StatusBadRequest, "invalid token_address")
		return
	}
	if req.AmountSOL.IsNegative() {
		fail(c, http.StatusBadRequest, "amount_sol must not be negative")
		return
	}
	ctx, cancel := s.tradeContext(c)
	defer cancel()
	p, err := s.ctrl.ManualBuy(ctx, req.TokenAddress, req.AmountSOL)
	if err != nil {
		s.tradeError(c, "ManualBuy", err)
		return
	}
	ok(c, http.StatusCreated, p)
}

func (s *Server) listTrades(c *gin.Context) {
	trades, err := s.store.ListTrades(c.Request.Context(), parseLimit(c.Query("limit"), 100, 1, 1000))
	if err != nil {
		s.internalError(c, "ListTrades", err)
		return
	}
	if trades == nil {
		trades = []*models.Trade{}
	}
	ok(c, http.StatusOK, trades)
}

// listPositions serves live tracked positions for status=open (the default)
// and stored ones otherwise.
func (s *Server) listPositions(c *gin.Context) {
	status := strings.TrimSpace(c.DefaultQuery("status", "open"))
	limit := parseLimit(c.Query("limit"), 100, 1, 1000)

	var (
		positions []*models.Position
		err       error
	)
	switch status {
	case "open":
		positions = s.ctrl.Positions()
	case "closed":
		positions, err = s.store.ListPositions(c.Request.Context(), models.PositionClosed, limit)
	case "all":
		positions, err = s.store.ListPositions(c.Request.Context(), "", limit)
	default:
		fail(c, http.StatusBadRequest, "invalid status (use 'open', 'closed' or 'all')")
		return
	}
	if err != nil {
		s.internalError(c, "ListPositions", err)
		return
	}
	if positions == nil {
		positions = []*models.Position{}
	}
	ok(c, http.StatusOK, positions)
}

func (s *Server) getPosition(c *gin.Context) {
	p, err := s.store.Position(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, "position not found")
		return
	}
	if err != nil {
		s.internalError(c, "Position", err)
		return
	}
	ok(c, http.StatusOK, p)
}

func (s *Server) closePosition(c *gin.Context) {
	ctx, cancel := s.tradeContext(c)
	defer cancel()
	p, err := s.ctrl.Close(ctx, c.Param("id"))
	if err != nil {
		s.tradeError(c, "Close", err)
		return
	}
	ok(c, http.StatusOK, p)
}

func (s *Server) listSignals(c *gin.Context) {
	signals, err := s.store.ListSignals(c.Request.Context(), parseLimit(c.Query("limit"), 100, 1, 1000))
	if err != nil {
		s.internalError(c, "ListSignals", err)
		return
	}
	if signals == nil {
		signals = []*models.Signal{}
	}
	ok(c, http.StatusOK, signals)
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.ctrl.Stats(c.Request.Context())
	if err != nil {
		s.internalError(c, "Stats", err)
		return
	}
	ok(c, http.StatusOK, st)
}

func (s *Server) checkToken(c *gin.Context) {
	mint := c.Param("mint")
	if !solana.IsValidAddress(mint) {
		fail(c, http.StatusBadRequest, "invalid token address")
		return
	}
	res, err := s.ctrl.CheckToken(c.Request.Context(), mint)
	if err != nil {
		s.tradeError(c, "CheckToken", err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (s *Server) blacklist(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if !solana.IsValidAddress(req.TokenAddress) {
		fail(c, http.StatusBadRequest, "invalid token_address")
		return
	}
	s.ctrl.Blacklist(req.TokenAddress)
	ok(c, http.StatusOK, gin.H{"token_address": req.TokenAddress})
}

func (s *Server) pause(c *gin.Context) {
	s.ctrl.Pause()
	ok(c, http.StatusOK, s.ctrl.Status())
}

func (s *Server) resume(c *gin.Context) {
	s.ctrl.Resume()
	ok(c, http.StatusOK, s.ctrl.Status())
}
