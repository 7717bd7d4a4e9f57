// Package gateway is the thin HTTP edge of the exchange. Each request is
// translated into a broker envelope tagged with a fresh caller id; the
// handler subscribes to that id's channel before enqueueing, then waits for
// the engine's single response. No exchange logic lives here.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nathanyu/crypto-exchange/internal/broker"
	"github.com/nathanyu/crypto-exchange/internal/domain"
	"github.com/nathanyu/crypto-exchange/internal/message"
	"github.com/nathanyu/crypto-exchange/internal/store"
)

// Handler holds the gateway dependencies.
type Handler struct {
	broker  *broker.Redis
	store   *store.TradeStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewHandler creates a gateway handler.
func NewHandler(b *broker.Redis, s *store.TradeStore, timeout time.Duration, logger *zap.Logger) *Handler {
	return &Handler{broker: b, store: s, timeout: timeout, logger: logger}
}

// RegisterRoutes sets up the gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/order", h.PlaceOrder)
		v1.DELETE("/order", h.CancelOrder)
		v1.GET("/depth", h.GetDepth)
		v1.GET("/quote", h.GetQuote)
		v1.GET("/open-orders", h.GetOpenOrders)
		v1.GET("/balances", h.GetBalances)
		v1.POST("/onramp", h.OnRamp)
		v1.POST("/market", h.CreateMarket)
		v1.GET("/trades", h.GetTrades)
		v1.GET("/klines", h.GetKlines)
	}
}

// Health returns a health check response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "exchange-api"})
}

// response is the decoded engine reply.
type response struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// sendAndAwait pushes a request envelope and blocks for the engine's reply on
// a channel named after a fresh caller id.
func (h *Handler) sendAndAwait(ctx context.Context, req message.Request) (response, error) {
	clientID := uuid.New().String()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	sub := h.broker.Subscribe(ctx, clientID)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return response{}, err
	}

	if err := h.broker.PushRequest(ctx, message.Envelope{ClientID: clientID, Message: req}); err != nil {
		return response{}, err
	}

	select {
	case msg := <-sub.Channel():
		var resp response
		if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
			return response{}, err
		}
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// dispatch runs the request/response round trip and writes the HTTP reply.
func (h *Handler) dispatch(c *gin.Context, typ string, data any) {
	req, err := message.NewRequest(typ, data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.sendAndAwait(c.Request.Context(), req)
	if err != nil {
		h.logger.Warn("engine request failed", zap.String("type", typ), zap.Error(err))
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "engine did not respond"})
		return
	}

	status := http.StatusOK
	if resp.Type == message.TypeError {
		status = http.StatusBadRequest
	}
	c.Data(status, "application/json", resp.Payload)
}

// PlaceOrderRequest is the request body for placing an order.
type PlaceOrderRequest struct {
	UserID   string          `json:"userId" binding:"required"`
	Market   string          `json:"market" binding:"required"`
	Price    decimal.Decimal `json:"price" binding:"required"`
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
	Side     domain.Side     `json:"side" binding:"required"`
}

// PlaceOrder handles POST /api/v1/order.
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Side != domain.SideBid && req.Side != domain.SideAsk {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be 'Bid' or 'Ask'"})
		return
	}
	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price and quantity must be positive"})
		return
	}

	h.dispatch(c, message.TypeCreateOrder, message.CreateOrderPayload{
		UserID:   req.UserID,
		Market:   req.Market,
		Price:    req.Price,
		Quantity: req.Quantity,
		Side:     req.Side,
	})
}

// CancelOrderRequest is the request body for cancelling an order.
type CancelOrderRequest struct {
	OrderID string `json:"orderId" binding:"required"`
	UserID  string `json:"userId" binding:"required"`
	Market  string `json:"market" binding:"required"`
}

// CancelOrder handles DELETE /api/v1/order.
func (h *Handler) CancelOrder(c *gin.Context) {
	var req CancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.dispatch(c, message.TypeCancelOrder, message.CancelOrderPayload(req))
}

// GetDepth handles GET /api/v1/depth?market=SOL_USDC.
func (h *Handler) GetDepth(c *gin.Context) {
	market := c.Query("market")
	if market == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market is required"})
		return
	}
	h.dispatch(c, message.TypeGetDepth, message.GetDepthPayload{Market: market})
}

// GetQuote handles GET /api/v1/quote?market=SOL_USDC&side=Bid&quantity=1.5.
func (h *Handler) GetQuote(c *gin.Context) {
	market := c.Query("market")
	side := domain.Side(c.Query("side"))
	quantity, err := decimal.NewFromString(c.Query("quantity"))
	if market == "" || err != nil || (side != domain.SideBid && side != domain.SideAsk) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market, side and quantity are required"})
		return
	}
	h.dispatch(c, message.TypeGetQuote, message.GetQuotePayload{
		Market:   market,
		Side:     side,
		Quantity: quantity,
	})
}

// GetOpenOrders handles GET /api/v1/open-orders?market=SOL_USDC&userId=1.
func (h *Handler) GetOpenOrders(c *gin.Context) {
	market, userID := c.Query("market"), c.Query("userId")
	if market == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market and userId are required"})
		return
	}
	h.dispatch(c, message.TypeGetOpenOrders, message.GetOpenOrdersPayload{
		UserID: userID,
		Market: market,
	})
}

// GetBalances handles GET /api/v1/balances?userId=1.
func (h *Handler) GetBalances(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	h.dispatch(c, message.TypeGetUserBalances, message.GetUserBalancesPayload{UserID: userID})
}

// OnRampRequest is the request body for crediting a user.
type OnRampRequest struct {
	UserID string          `json:"userId" binding:"required"`
	Ticker string          `json:"ticker"`
	Amount decimal.Decimal `json:"amount"`
}

// OnRamp handles POST /api/v1/onramp.
func (h *Handler) OnRamp(c *gin.Context) {
	var req OnRampRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.dispatch(c, message.TypeOnRampUser, message.OnRampPayload(req))
}

// CreateMarketRequest is the request body for creating a market.
type CreateMarketRequest struct {
	Name        string    `json:"name" binding:"required"`
	Description string    `json:"description"`
	BaseAsset   string    `json:"base_asset" binding:"required"`
	QuoteAsset  string    `json:"quote_asset" binding:"required"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

// CreateMarket handles POST /api/v1/market.
func (h *Handler) CreateMarket(c *gin.Context) {
	var req CreateMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.dispatch(c, message.TypeCreateMarket, message.CreateMarketPayload{
		Name:        req.Name,
		Description: req.Description,
		BaseAsset:   req.BaseAsset,
		QuoteAsset:  req.QuoteAsset,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Status:      domain.MarketStatusOngoing,
	})
}

// GetTrades handles GET /api/v1/trades?market=SOL_USDC&limit=50.
func (h *Handler) GetTrades(c *gin.Context) {
	market := c.Query("market")
	if market == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market is required"})
		return
	}
	limit := queryInt(c, "limit", 50)

	trades, err := h.store.RecentTrades(c.Request.Context(), market, limit)
	if err != nil {
		h.logger.Error("trades query failed", zap.String("market", market), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// GetKlines handles GET /api/v1/klines?market=SOL_USDC&interval=1m&limit=100.
func (h *Handler) GetKlines(c *gin.Context) {
	market := c.Query("market")
	if market == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market is required"})
		return
	}
	interval := c.DefaultQuery("interval", "1m")
	limit := queryInt(c, "limit", 100)

	candles, err := h.store.Candles(c.Request.Context(), market, interval, limit)
	if err != nil {
		h.logger.Error("klines query failed", zap.String("market", market), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if candles == nil {
		candles = []domain.Candlestick{}
	}
	c.JSON(http.StatusOK, gin.H{"klines": candles})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(fallback)))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
