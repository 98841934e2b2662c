package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"autotrader/internal/executor"
	"autotrader/internal/interfaces"
	"autotrader/internal/ledger"
	"autotrader/internal/logger"
	"autotrader/internal/scheduler"
	"autotrader/internal/state"
	"autotrader/internal/strategy"
	"autotrader/internal/subs"
	"autotrader/internal/types"
)

// timeNow is replaceable in tests.
var timeNow = time.Now

// Server is the control-plane HTTP API: manage strategy instances, view
// their derived cards, and poke at market status.
type Server struct {
	store    interfaces.StateStore
	broker   interfaces.Broker
	calendar interfaces.Calendar
	registry *strategy.Registry
	cards    *ledger.Builder
	exec     *executor.Executor
	sched    *scheduler.Scheduler
	subs     *subs.Manager
}

func New(store interfaces.StateStore, broker interfaces.Broker, calendar interfaces.Calendar,
	registry *strategy.Registry, cards *ledger.Builder, exec *executor.Executor,
	sched *scheduler.Scheduler, subsMgr *subs.Manager) *Server {
	return &Server{
		store:    store,
		broker:   broker,
		calendar: calendar,
		registry: registry,
		cards:    cards,
		exec:     exec,
		sched:    sched,
		subs:     subsMgr,
	}
}

// Router builds the gin handler.
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)

	api := r.Group("/api")
	api.POST("/validate-pin", s.handleValidatePIN)
	api.GET("/algorithms", s.handleListAlgorithms)
	api.POST("/algorithms", s.handleCreateAlgorithm)
	api.DELETE("/algorithms/:id", s.handleStopAlgorithm)
	api.GET("/available-algorithms", s.handleAvailableAlgorithms)
	api.GET("/account/cash", s.handleAccountCash)
	api.GET("/validate-ticker", s.handleValidateTicker)
	api.GET("/market-status", s.handleMarketStatus)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type validatePINRequest struct {
	PIN string `json:"pin" binding:"required"`
}

func (s *Server) handleValidatePIN(c *gin.Context) {
	var req validatePINRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pin is required"})
		return
	}

	pin, err := s.store.PIN(c.Request.Context())
	if err != nil {
		s.serverError(c, "read pin", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": pin == req.PIN})
}

func (s *Server) handleListAlgorithms(c *gin.Context) {
	ctx := c.Request.Context()

	instances, err := s.store.ListInstances(ctx, c.Query("status"))
	if err != nil {
		s.serverError(c, "list instances", err)
		return
	}

	cards := make([]*ledger.Card, 0, len(instances))
	for _, inst := range instances {
		card, err := s.cards.Build(ctx, inst)
		if err != nil {
			s.serverError(c, fmt.Sprintf("build card for instance %d", inst.ID), err)
			return
		}
		cards = append(cards, card)
	}
	c.JSON(http.StatusOK, gin.H{"algorithms": cards})
}

type createAlgorithmRequest struct {
	Ticker         string `json:"ticker" binding:"required"`
	StrategyType   string `json:"strategy_type" binding:"required"`
	InitialCapital string `json:"initial_capital" binding:"required"`
}

func (s *Server) handleCreateAlgorithm(c *gin.Context) {
	ctx := c.Request.Context()

	var req createAlgorithmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ticker, strategy_type and initial_capital are required"})
		return
	}

	capital, err := decimal.NewFromString(req.InitialCapital)
	if err != nil || !capital.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "initial_capital must be a positive number"})
		return
	}

	// The strategy must resolve before anything is persisted.
	if _, err := s.registry.Resolve(req.StrategyType); err != nil {
		switch {
		case errors.Is(err, strategy.ErrNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown strategy type %q", req.StrategyType)})
		case errors.Is(err, strategy.ErrLoad):
			s.serverError(c, "load strategy", err)
		default:
			s.serverError(c, "resolve strategy", err)
		}
		return
	}

	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	tradable, err := s.broker.ValidateSymbol(ctx, ticker)
	if err != nil {
		s.serverError(c, "validate ticker", err)
		return
	}
	if !tradable {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s is not a tradable symbol", ticker)})
		return
	}

	available, err := s.availableCash(ctx)
	if err != nil {
		s.serverError(c, "compute available cash", err)
		return
	}
	if capital.GreaterThan(available) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":          "initial_capital exceeds unallocated account cash",
			"available_cash": available.String(),
		})
		return
	}

	id, err := s.store.CreateInstance(ctx, ticker, req.StrategyType, capital)
	if err != nil {
		s.serverError(c, "create instance", err)
		return
	}

	if err := s.subs.Add(ctx, ticker); err != nil {
		// The instance exists; the next scheduler cycle retries the
		// subscription.
		logger.ErrorWithErr(ctx, "Subscription for new instance deferred", err, "ticker", ticker)
	}

	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		s.serverError(c, "read created instance", err)
		return
	}
	logger.Info(ctx, "Algorithm instance created",
		"instance_id", id, "ticker", ticker, "strategy", req.StrategyType, "capital", capital.String())
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) handleStopAlgorithm(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return
	}

	inst, err := s.store.GetInstance(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("instance %d not found", id)})
		return
	}
	if err != nil {
		s.serverError(c, "read instance", err)
		return
	}

	// Liquidate before stopping so no position is left orphaned.
	soldTx, err := s.exec.SellAll(ctx, *inst)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error": fmt.Sprintf("could not liquidate position: %v", err),
		})
		return
	}

	stopped, err := s.store.StopInstance(ctx, id)
	if err != nil {
		s.serverError(c, "stop instance", err)
		return
	}
	if !stopped {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("instance %d already stopped", id)})
		return
	}

	s.sched.ClearFailure(id)
	if err := s.subs.Remove(ctx, inst.Ticker); err != nil {
		logger.ErrorWithErr(ctx, "Subscription release deferred", err, "ticker", inst.Ticker)
	}

	resp := gin.H{"stopped": true, "id": id}
	if soldTx != nil {
		resp["liquidated"] = soldTx
	}
	logger.Info(ctx, "Algorithm instance stopped", "instance_id", id, "ticker", inst.Ticker)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAvailableAlgorithms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.registry.Discover()})
}

func (s *Server) handleAccountCash(c *gin.Context) {
	ctx := c.Request.Context()

	cash, err := s.broker.AccountCash(ctx)
	if err != nil {
		s.serverError(c, "fetch account cash", err)
		return
	}
	available, err := s.availableCash(ctx)
	if err != nil {
		s.serverError(c, "compute available cash", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_cash":   cash.String(),
		"available_cash": available.String(),
	})
}

func (s *Server) handleValidateTicker(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query parameter is required"})
		return
	}

	tradable, err := s.broker.ValidateSymbol(c.Request.Context(), symbol)
	if err != nil {
		s.serverError(c, "validate ticker", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "tradable": tradable})
}

func (s *Server) handleMarketStatus(c *gin.Context) {
	ctx := c.Request.Context()

	open, err := s.calendar.IsOpenNow(ctx)
	if err != nil {
		s.serverError(c, "market clock", err)
		return
	}

	resp := gin.H{"open": open}
	if !open {
		if next, ok, err := s.calendar.NextOpen(ctx, timeNow()); err == nil && ok {
			resp["next_open"] = next
		}
	}
	c.JSON(http.StatusOK, resp)
}

// availableCash is account cash minus the capital allocated to active
// instances.
func (s *Server) availableCash(ctx context.Context) (decimal.Decimal, error) {
	cash, err := s.broker.AccountCash(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	instances, err := s.store.ListInstances(ctx, types.StatusActive)
	if err != nil {
		return decimal.Zero, err
	}
	allocated := decimal.Zero
	for _, inst := range instances {
		allocated = allocated.Add(inst.InitialCapital)
	}
	return cash.Sub(allocated), nil
}

func (s *Server) serverError(c *gin.Context, what string, err error) {
	logger.ErrorWithErr(c.Request.Context(), "Request failed", err, "what", what, "path", c.FullPath())
	c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", what, err)})
}
