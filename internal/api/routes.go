package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/token-ledger/internal/db"
	"github.com/rawblock/token-ledger/internal/node"
	"github.com/rawblock/token-ledger/internal/transport"
	"github.com/rawblock/token-ledger/pkg/models"
)

type APIHandler struct {
	node    *node.Node
	dbStore *db.PostgresStore
	wsHub   *Hub
}

// SetupRouter wires the operator surface and, when the node runs over
// WebSocket transport, the inbound peer-link endpoint.
func SetupRouter(n *node.Node, dbStore *db.PostgresStore, wsHub *Hub, peerWS *transport.WS) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{node: n, dbStore: dbStore, wsHub: wsHub}

	// ── Peer wire endpoint (identity-authenticated, not token-auth) ──
	if peerWS != nil {
		r.GET("/p2p", func(c *gin.Context) {
			peerWS.Subscribe(c.Writer, c.Request)
		})
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
		pub.GET("/sync/progress", handler.handleSyncProgress)
	}

	// ── Protected endpoints (require bearer token if API_AUTH_TOKEN set) ──
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	// Network queries fan out to many peers — rate-limit them hard.
	auth.Use(NewRateLimiter(30, 5).Middleware())
	{
		auth.GET("/status", handler.handleStatus)
		auth.GET("/token/:id", handler.handleToken)
		auth.GET("/token/:id/network", handler.handleTokenNetwork)
		auth.GET("/peers", handler.handlePeers)
		auth.GET("/fraud", handler.handleFraud)
		auth.GET("/chain/head", handler.handleChainHead)
		auth.POST("/commit", handler.handleCommit)
	}

	return r
}

// handleHealth returns node status and capabilities for service
// discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	head, headTime := h.node.Chain().Head()
	c.JSON(http.StatusOK, gin.H{
		"status":    "operational",
		"engine":    "RawBlock Token Ledger Node v1.0",
		"peerId":    h.node.SelfID().String(),
		"syncState": h.node.Bootstrap().State().String(),
		"chainHead": head.String(),
		"headTime":  headTime,
		"readOnly":  h.node.ReadOnly(),
		"capabilities": gin.H{
			"proof_of_storage":  true,
			"commit_chain_sync": true,
			"pow_identity":      true,
			"fraud_evidence":    true,
		},
		"dbConnected": h.dbStore != nil,
	})
}

// handleSyncProgress returns the bootstrap machine's progress.
func (h *APIHandler) handleSyncProgress(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Bootstrap().GetProgress())
}

// handleStatus reports the tick counter and store sizes.
func (h *APIHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"peerId":       h.node.SelfID().String(),
		"ticks":        h.node.Ticks(),
		"tokenCount":   h.node.Store().Len(),
		"commitBlocks": h.node.Chain().Store().Len(),
		"connected":    h.node.Table().ConnectedCount(),
		"syncState":    h.node.Bootstrap().State().String(),
		"readOnly":     h.node.ReadOnly(),
	})
}

// handleToken returns the local mapping for a token id.
func (h *APIHandler) handleToken(c *gin.Context) {
	id, err := models.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid token id format"})
		return
	}
	mapping, ok := h.node.Store().Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Token not known locally"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mapping": mapping})
}

// handleTokenNetwork runs a full network query round for a token and
// returns the commonality-scored answers.
func (h *APIHandler) handleTokenNetwork(c *gin.Context) {
	id, err := models.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid token id format"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 20*time.Second)
	defer cancel()
	result, ok := h.node.QueryNetwork(ctx, id)
	if !ok {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Query round did not complete", "partial": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handlePeers lists the peer table.
func (h *APIHandler) handlePeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.node.Table().Snapshot()})
}

// handleFraud returns the retained fraud evidence.
func (h *APIHandler) handleFraud(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": h.node.Fraud().Events()})
}

// handleChainHead reports the current commit-chain head.
func (h *APIHandler) handleChainHead(c *gin.Context) {
	head, headTime := h.node.Chain().Head()
	c.JSON(http.StatusOK, gin.H{"head": head.String(), "time": headTime})
}

// handleCommit accepts a committed block batch from the block-batch
// layer. POST /api/v1/commit {"time": 42, "blocks": [...]}
func (h *APIHandler) handleCommit(c *gin.Context) {
	var req struct {
		Time   uint64         `json:"time"`
		Blocks []models.Block `json:"blocks"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {time, blocks}"})
		return
	}
	if len(req.Blocks) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Commit batch must contain at least one block"})
		return
	}

	blk, err := h.node.CommitBatch(req.Time, req.Blocks)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"commitBlock": blk})
}

// BroadcastEvent adapts the hub to the node's event callback.
func BroadcastEvent(wsHub *Hub) func(node.Event) {
	return func(ev node.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[API] Failed to marshal event payload: %v", err)
			return
		}
		wsHub.Broadcast(payload)
	}
}
