// Package gateway exposes the execution engine over HTTP and streams its
// notifications over a websocket feed.
package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/laterpay/internal/access"
	"github.com/terminal-bench/laterpay/internal/approval"
	"github.com/terminal-bench/laterpay/internal/auth"
	"github.com/terminal-bench/laterpay/internal/engine"
	"github.com/terminal-bench/laterpay/internal/token"
	"github.com/terminal-bench/laterpay/pkg/messaging"
)

// Gateway routes HTTP traffic to the engine.
type Gateway struct {
	router   *gin.Engine
	engine   *engine.Engine
	bank     token.Bank
	tokens   *auth.Service
	upgrader websocket.Upgrader

	wsMu      sync.Mutex
	wsClients map[uuid.UUID]*wsClient
}

type wsClient struct {
	send chan []byte
	done chan struct{}
}

// New builds the router around an engine, its token bank and a token
// service for caller authentication.
func New(eng *engine.Engine, bank token.Bank, tokens *auth.Service) *Gateway {
	g := &Gateway{
		router: gin.Default(),
		engine: eng,
		bank:   bank,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		wsClients: make(map[uuid.UUID]*wsClient),
	}
	g.setupRoutes()
	return g
}

// Router exposes the gin engine for serving and for tests.
func (g *Gateway) Router() *gin.Engine {
	return g.router
}

func (g *Gateway) setupRoutes() {
	g.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	g.router.POST("/auth/token", g.issueToken)
	g.router.GET("/ws/events", g.serveEvents)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/approvals", g.authMiddleware(), g.approvePayment)
		v1.GET("/users/:user/approvals", g.listApprovals)
		v1.GET("/users/:user/approvals/count", g.approvalCount)
		v1.GET("/users/:user/approvals/:id", g.getApproval)
		v1.GET("/users/:user/approvals/:id/can-execute", g.canExecute)
		v1.POST("/users/:user/approvals/:id/execute", g.authMiddleware(), g.executePayment)
		v1.POST("/users/:user/approvals/:id/emergency-withdraw", g.authMiddleware(), g.emergencyWithdraw)

		v1.POST("/admins", g.authMiddleware(), g.addAdmin)
		v1.DELETE("/admins/:account", g.authMiddleware(), g.removeAdmin)
		v1.GET("/admins/:account", g.isAdmin)
		v1.GET("/owner", g.owner)
		v1.GET("/payment-token", g.paymentToken)
		v1.GET("/contract-balance", g.contractBalance)

		v1.POST("/token/approve", g.authMiddleware(), g.approveAllowance)
		v1.POST("/token/mint", g.authMiddleware(), g.mint)
		v1.GET("/token/balance/:account", g.balance)
		v1.GET("/token/allowance/:owner/:spender", g.allowance)
	}
}

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := g.tokens.Verify(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("account", claims.Account)
		c.Next()
	}
}

func caller(c *gin.Context) string {
	return c.GetString("account")
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrNotAdmin), errors.Is(err, access.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrInvalidApprovalID):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, approval.ErrAlreadyExecuted),
		errors.Is(err, engine.ErrNotDue),
		errors.Is(err, engine.ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (g *Gateway) issueToken(c *gin.Context) {
	var req struct {
		Account string `json:"account" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tok, err := g.tokens.Issue(req.Account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

func (g *Gateway) approvePayment(c *gin.Context) {
	var req struct {
		Amount  string    `json:"amount" binding:"required"`
		DueDate time.Time `json:"due_date" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	id, err := g.engine.ApprovePayment(c.Request.Context(), caller(c), amount, req.DueDate)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"approval_id": id})
}

func (g *Gateway) listApprovals(c *gin.Context) {
	recs, err := g.engine.GetUserApprovals(c.Request.Context(), c.Param("user"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": recs})
}

func (g *Gateway) approvalCount(c *gin.Context) {
	n, err := g.engine.UserApprovalCount(c.Request.Context(), c.Param("user"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func approvalID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": approval.ErrInvalidApprovalID.Error()})
		return 0, false
	}
	return id, true
}

func (g *Gateway) getApproval(c *gin.Context) {
	id, ok := approvalID(c)
	if !ok {
		return
	}
	rec, err := g.engine.GetUserApproval(c.Request.Context(), c.Param("user"), id)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (g *Gateway) canExecute(c *gin.Context) {
	id, ok := approvalID(c)
	if !ok {
		return
	}
	ready, reason, err := g.engine.CanExecutePayment(c.Request.Context(), c.Param("user"), id)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": ready, "reason": reason})
}

func (g *Gateway) executePayment(c *gin.Context) {
	id, ok := approvalID(c)
	if !ok {
		return
	}
	rec, err := g.engine.ExecutePayment(c.Request.Context(), caller(c), c.Param("user"), id)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (g *Gateway) emergencyWithdraw(c *gin.Context) {
	id, ok := approvalID(c)
	if !ok {
		return
	}
	rec, err := g.engine.EmergencyWithdrawApproval(c.Request.Context(), caller(c), c.Param("user"), id)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (g *Gateway) addAdmin(c *gin.Context) {
	var req struct {
		Account string `json:"account" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := g.engine.AddAdmin(c.Request.Context(), caller(c), req.Account); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "added"})
}

func (g *Gateway) removeAdmin(c *gin.Context) {
	if err := g.engine.RemoveAdmin(c.Request.Context(), caller(c), c.Param("account")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (g *Gateway) isAdmin(c *gin.Context) {
	ok, err := g.engine.IsAdmin(c.Request.Context(), c.Param("account"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": ok})
}

func (g *Gateway) owner(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"owner": g.engine.Owner()})
}

func (g *Gateway) paymentToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"payment_token": g.engine.PaymentToken()})
}

func (g *Gateway) contractBalance(c *gin.Context) {
	balance, err := g.engine.GetContractBalance(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance.String()})
}

func (g *Gateway) approveAllowance(c *gin.Context) {
	var req struct {
		Spender string `json:"spender"`
		Amount  string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.Sign() < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	spender := req.Spender
	if spender == "" {
		spender = g.engine.Account()
	}
	if err := g.bank.Approve(c.Request.Context(), caller(c), spender, amount); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

func (g *Gateway) mint(c *gin.Context) {
	if caller(c) != g.engine.Owner() {
		c.JSON(http.StatusForbidden, gin.H{"error": access.ErrNotOwner.Error()})
		return
	}

	var req struct {
		Account string `json:"account" binding:"required"`
		Amount  string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	if err := g.bank.Mint(c.Request.Context(), req.Account, amount); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "minted"})
}

func (g *Gateway) balance(c *gin.Context) {
	balance, err := g.bank.BalanceOf(c.Request.Context(), c.Param("account"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance.String()})
}

func (g *Gateway) allowance(c *gin.Context) {
	amount, err := g.bank.Allowance(c.Request.Context(), c.Param("owner"), c.Param("spender"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowance": amount.String()})
}

// serveEvents upgrades to a websocket and streams broadcast notifications
// until the client goes away.
func (g *Gateway) serveEvents(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	id := uuid.New()

	g.wsMu.Lock()
	g.wsClients[id] = client
	g.wsMu.Unlock()

	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, id)
		g.wsMu.Unlock()
		conn.Close()
	}()

	// Reader exists only to detect disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(client.done)
				return
			}
		}
	}()

	for {
		select {
		case data := <-client.send:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

// Broadcast fans a raw event payload out to every websocket client. Slow
// clients are skipped rather than blocking the feed.
func (g *Gateway) Broadcast(data []byte) {
	g.wsMu.Lock()
	defer g.wsMu.Unlock()

	for _, client := range g.wsClients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// BridgeEvents subscribes to the engine's notification subjects and relays
// them to websocket clients.
func (g *Gateway) BridgeEvents(nc *messaging.Client) error {
	return nc.Subscribe(messaging.SubjectAll, func(msg *nats.Msg) {
		g.Broadcast(msg.Data)
	})
}
