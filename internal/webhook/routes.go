package webhook

import (
	"crypto/subtle"
	"html/template"
	"log"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/railbot/internal/ingest"
	"github.com/zulandar/railbot/internal/platform"
	"github.com/zulandar/railbot/internal/queue"
	"gorm.io/gorm"
)

type routeDeps struct {
	db       *gorm.DB
	ingestor *ingest.Ingestor
	secret   string
	privacy  template.HTML
}

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, d routeDeps) {
	router.GET("/healthz", handleHealth(d.db))
	router.GET("/api/queues", handleQueues(d.db))
	router.GET("/privacy", handlePrivacy(d.privacy))
	router.POST("/hooks/:platform", requireSecret(d.secret), handleHook(d.ingestor))
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// workerDepth is one entry of the /api/queues response.
type workerDepth struct {
	WorkerID int   `json:"worker_id"`
	Depth    int64 `json:"depth"`
}

func handleQueues(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		depth, err := queue.QueueDepthByWorker(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		workers := make([]workerDepth, 0, len(depth))
		var total int64
		for id, n := range depth {
			workers = append(workers, workerDepth{WorkerID: id, Depth: n})
			total += n
		}
		sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
		c.JSON(http.StatusOK, gin.H{"workers": workers, "total": total})
	}
}

func handlePrivacy(body template.HTML) gin.HandlerFunc {
	return func(c *gin.Context) {
		if body == "" {
			c.String(http.StatusNotFound, "privacy policy is not configured")
			return
		}
		c.HTML(http.StatusOK, "privacy.html", gin.H{
			"Title": "Privacy policy",
			"Body":  body,
		})
	}
}

// requireSecret rejects requests without the shared secret. Hooks are
// disabled entirely when no secret is configured.
func requireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "hooks are disabled"})
			return
		}
		got := c.GetHeader(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
			return
		}
		c.Next()
	}
}

func handleHook(in *ingest.Ingestor) gin.HandlerFunc {
	return func(c *gin.Context) {
		if in == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingestion is not running"})
			return
		}
		var ev platform.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ev.Platform = c.Param("platform")
		if ev.ConversationID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
			return
		}

		res, err := in.Handle(c.Request.Context(), ev)
		if err != nil {
			log.Printf("webhook: %s event %s: %v", ev.Platform, ev.MessageID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "event could not be stored"})
			return
		}
		if res.Item == nil {
			c.JSON(http.StatusOK, gin.H{"discarded": true})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"item_id":   res.Item.ID,
			"action":    res.Item.ActionType,
			"worker_id": res.Item.WorkerID,
		})
	}
}
