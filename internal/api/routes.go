package api

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawblock/nexus/internal/coordinator"
	"github.com/rawblock/nexus/internal/protocol"
	"github.com/rawblock/nexus/internal/session"
	"github.com/rawblock/nexus/internal/tpm"
)

const (
	defaultTPMK = 3
	defaultTPMN = 4
	defaultTPML = 3
)

// sessionConfig is the optional JSON body of POST /sessions.
type sessionConfig struct {
	TPMK int `json:"tpm_k"`
	TPMN int `json:"tpm_n"`
	TPML int `json:"tpm_l"`
}

func (c sessionConfig) withDefaults() (k, n, l int) {
	k, n, l = c.TPMK, c.TPMN, c.TPML
	if k == 0 {
		k = defaultTPMK
	}
	if n == 0 {
		n = defaultTPMN
	}
	if l == 0 {
		l = defaultTPML
	}
	return
}

// Handler wires the coordinator into gin routes.
type Handler struct {
	coord *coordinator.Coordinator
}

// NewRouter builds the gin.Engine serving the HTTP and WebSocket surface.
func NewRouter(coord *coordinator.Coordinator) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware())

	h := &Handler{coord: coord}
	limiter := NewSessionCreateLimiter(60, 10)

	r.GET("/", h.handleRoot)
	r.GET("/health", h.handleHealth)

	sessions := r.Group("/sessions")
	sessions.Use(limiter.Middleware())
	{
		sessions.POST("", h.handleCreateSession)
		sessions.GET("/recent", h.handleRecentSyncs)
		sessions.GET("/:id", h.handleGetSession)
	}

	r.GET("/ws/:sessionID/:userID", h.handleWebSocket)

	return r
}

// corsMiddleware mirrors the CORS_ORIGINS env-var convention: a
// comma-separated allowlist, or "*" (the default) to allow any origin.
func corsMiddleware() gin.HandlerFunc {
	originsStr := getEnvOrDefault("CORS_ORIGINS", "*")
	var allowed []string
	if originsStr != "*" {
		for _, o := range strings.Split(originsStr, ",") {
			allowed = append(allowed, strings.TrimSpace(o))
		}
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowed == nil {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, a := range allowed {
				if a == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *Handler) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Nexus",
		"description": "Neural Key Exchange Communication System",
		"status":      "online",
	})
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"active_sessions": h.coord.ActiveSessionCount(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCreateSession pre-creates a session so both parties can connect
// to the same session_id without a prior handshake. The TPM config is
// validated up front — tpm.New runs the same K/N/L range checks the
// session would otherwise only discover at the first participant's
// connect, which is too late to report cleanly as a creation failure.
func (h *Handler) handleCreateSession(c *gin.Context) {
	var cfg sessionConfig
	_ = c.ShouldBindJSON(&cfg) // empty body is valid; defaults apply
	k, n, l := cfg.withDefaults()

	if _, err := tpm.New(k, n, l); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"code":  protocol.CodeValidation,
		})
		return
	}

	sessionID := uuid.NewString()[:8]
	sess := h.coord.GetOrCreate(sessionID, k, n, l)
	snap := sess.Snapshot()

	c.JSON(http.StatusOK, gin.H{
		"session_id":        snap.SessionID,
		"created_at":        snap.CreatedAt,
		"participant_count": len(snap.Participants),
		"is_synced":         snap.IsSynced,
		"tpm_config":        gin.H{"K": snap.K, "N": snap.N, "L": snap.L},
	})
}

// handleRecentSyncs surfaces the audit store's history of completed
// syncs, newest first. Returns 503 if no audit store is configured.
func (h *Handler) handleRecentSyncs(c *gin.Context) {
	limit := queryIntOrDefault(c, "limit", 50)
	records, err := h.coord.RecentSyncs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"syncs": records})
}

func (h *Handler) handleGetSession(c *gin.Context) {
	sess, err := h.coord.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	snap := sess.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"session_id":   snap.SessionID,
		"participants": snap.Participants,
		"sync_state": gin.H{
			"round":           snap.Round,
			"is_synced":       snap.IsSynced,
			"key_fingerprint": sess.FingerprintOrEmpty(),
		},
		"created_at": snap.CreatedAt,
	})
}

// handleWebSocket upgrades the connection, joins the session, and runs
// the read loop: relay encrypted messages, honor manual sync requests,
// answer pings, and keep the connection alive with a server-initiated
// ping whenever the peer goes quiet for readIdleWait.
func (h *Handler) handleWebSocket(c *gin.Context) {
	sessionID := c.Param("sessionID")
	userID := c.Param("userID")

	k := queryIntOrDefault(c, "tpm_k", defaultTPMK)
	n := queryIntOrDefault(c, "tpm_n", defaultTPMN)
	l := queryIntOrDefault(c, "tpm_l", defaultTPML)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	ch := newWSChannel(conn)

	sess, err := h.coord.Connect(ch, sessionID, userID, k, n, l)
	if err != nil {
		return // Connect already sent the error frame (SESSION_FULL or VALIDATION_ERROR) and closed the channel.
	}
	log.Printf("[ws] %s joined session %s (%d participants)", userID, sessionID, sess.ParticipantCount())

	defer h.coord.Disconnect(sessionID, userID)

	for {
		frame, err := ch.Recv()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				if sendErr := ch.Send(map[string]any{"type": protocol.TypePing}); sendErr != nil {
					return
				}
				continue
			}
			return
		}

		switch frame["type"] {
		case protocol.TypeMessage:
			ciphertext, _ := frame["ciphertext"].(string)
			h.coord.RelayMessage(sess, userID, ciphertext)
		case protocol.TypeRequestSync:
			h.coord.RequestSync(sess)
		case protocol.TypePing:
			_ = ch.Send(map[string]any{"type": protocol.TypePong})
		}
	}
}

func queryIntOrDefault(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
