package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hakancinelii/whatistaspp/internal/jobs"
	"github.com/hakancinelii/whatistaspp/internal/models"
	"github.com/hakancinelii/whatistaspp/internal/scheduler"
	"github.com/hakancinelii/whatistaspp/internal/session"
	"gorm.io/gorm"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	apiGroup := router.Group("/api")

	users := apiGroup.Group("/users/:id")
	users.POST("/connect", handleConnect(opts.Manager))
	users.POST("/disconnect", handleDisconnect(opts.Manager))
	users.GET("/status", handleStatus(opts.Manager))
	users.GET("/pairing-code", handlePairingCode(opts.Manager))
	users.POST("/send", handleSend(opts.Manager))
	users.POST("/claim", handleClaim(opts.Claimer))
	users.POST("/ignore", handleIgnore(opts.Claimer))

	apiGroup.POST("/jobs/:id/automation", handleRunAutomation(opts.Matcher))
	apiGroup.GET("/regions", handleRegionPreview())
	apiGroup.GET("/scheduler", handleSchedulerStatus(opts.DB, opts.Worker))
	apiGroup.POST("/broadcasts", handleCreateBroadcast(opts.DB))
}

func userID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return uint(id), true
}

func handleConnect(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}
		force := c.Query("force") == "true"
		if err := mgr.Connect(c.Request.Context(), id, force); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"connecting": true})
	}
}

func handleDisconnect(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}
		if err := mgr.Disconnect(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"disconnected": true})
	}
}

func handleStatus(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"connected":    mgr.IsConnected(id),
			"pairing_code": mgr.PairingCode(id) != "",
		})
	}
}

func handlePairingCode(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}
		code := mgr.PairingCode(id)
		if code == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pairing code pending"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pairing_code": code})
	}
}

type sendRequest struct {
	To   string `json:"to" binding:"required"`
	Text string `json:"text" binding:"required"`
}

func handleSend(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := mgr.SendText(c.Request.Context(), id, req.To, req.Text); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sent": true})
	}
}

type claimRequest struct {
	JobID       uint   `json:"job_id"`
	Phone       string `json:"phone"`
	DriverName  string `json:"driver_name"`
	DriverPhone string `json:"driver_phone"`
	DriverPlate string `json:"driver_plate"`
}

func handleClaim(claimer *jobs.Claimer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}
		var req claimRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		opts := jobs.ClaimOpts{UserID: id, JobID: req.JobID, Phone: req.Phone}
		if req.DriverName != "" || req.DriverPhone != "" {
			opts.External = &jobs.ExternalDriver{
				Name:  req.DriverName,
				Phone: req.DriverPhone,
				Plate: req.DriverPlate,
			}
		}

		result, err := claimer.Claim(c.Request.Context(), opts)
		if err != nil {
			c.JSON(claimStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": result.JobID, "proxied": result.UsingProxy})
	}
}

// claimStatus maps the claim protocol's sentinel errors onto HTTP statuses.
// The Turkish error text passes through untouched; the dashboard shows it
// verbatim.
func claimStatus(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrAlreadyTaken):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, jobs.ErrProfileIncomplete),
		errors.Is(err, jobs.ErrUnknownUser),
		errors.Is(err, jobs.ErrNotConnected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type ignoreRequest struct {
	JobID uint `json:"job_id" binding:"required"`
}

func handleIgnore(claimer *jobs.Claimer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}
		var req ignoreRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := claimer.MarkIgnored(id, req.JobID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ignored": true})
	}
}

func handleRunAutomation(matcher *jobs.Matcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		if err := matcher.RunForJob(c.Request.Context(), uint(id)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"evaluated": true})
	}
}

// handleRegionPreview runs the gazetteer over arbitrary text so the
// dashboard's filter editor can show what a message would match.
func handleRegionPreview() gin.HandlerFunc {
	return func(c *gin.Context) {
		text := c.Query("text")
		if text == "" {
			c.JSON(http.StatusOK, gin.H{"regions": jobs.RegionNames()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"regions": jobs.MatchRegions(text)})
	}
}

func handleSchedulerStatus(db *gorm.DB, worker *scheduler.Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var pending int64
		db.Model(&models.ScheduledBroadcast{}).
			Where("status = ?", models.BroadcastPending).
			Count(&pending)
		c.JSON(http.StatusOK, gin.H{
			"running": worker != nil && worker.Running(),
			"pending": pending,
		})
	}
}

type broadcastRequest struct {
	UserID       uint   `json:"user_id" binding:"required"`
	RecipientIDs string `json:"recipient_ids" binding:"required"`
	Template     string `json:"template" binding:"required"`
	ScheduledAt  string `json:"scheduled_at"`
}

func handleCreateBroadcast(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req broadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		b := models.ScheduledBroadcast{
			UserID:       req.UserID,
			RecipientIDs: req.RecipientIDs,
			Template:     req.Template,
			Status:       models.BroadcastPending,
		}
		if req.ScheduledAt != "" {
			t, err := time.Parse(time.RFC3339, req.ScheduledAt)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled_at must be RFC 3339"})
				return
			}
			b.ScheduledAt = t
		} else {
			b.ScheduledAt = time.Now()
		}
		if err := db.Create(&b).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": b.ID})
	}
}
