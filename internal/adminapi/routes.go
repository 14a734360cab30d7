// Package adminapi is the HTTP control surface: bot execution, health,
// breaker reset, scheduler and auto-deploy control, and /metrics.
package adminapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"studiobot/internal/autodeploy"
	"studiobot/internal/bot"
	"studiobot/internal/errhandler"
	"studiobot/internal/manager"
	"studiobot/internal/notifier"
	"studiobot/internal/scheduler"
)

// Bots is the part of *manager.Manager the API drives.
type Bots interface {
	Execute(ctx context.Context, kind bot.Kind, in bot.Input) (bot.Result, error)
	BotHealth(ctx context.Context, kind bot.Kind) (manager.BotHealth, error)
	SystemHealth(ctx context.Context) manager.SystemHealth
	Registered() []manager.Registration
	ResetCircuitBreaker(kind bot.Kind) error
	Enable(kind bot.Kind) error
	Disable(kind bot.Kind) error
}

type Scheduler interface {
	Status() scheduler.Status
	TriggerTask(ctx context.Context, name string) (bot.Result, error)
}

type AutoDeploy interface {
	Status() autodeploy.Status
	SetEnabled(v bool)
}

type ErrorPatterns interface {
	Patterns() []errhandler.Pattern
}

type AlertHistory interface {
	History() []notifier.HistoryItem
}

// Deps wires the API to the running components. Nil optional parts
// answer 404 on their routes.
type Deps struct {
	Bots       Bots
	Scheduler  Scheduler
	AutoDeploy AutoDeploy
	Errors     ErrorPatterns
	Alerts     AlertHistory
	Metrics    http.Handler
	Token      string
	Now        func() time.Time
}

type api struct{ Deps }

// Router builds the gin engine.
func Router(d Deps) *gin.Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	a := &api{Deps: d}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", a.healthz)

	auth := r.Group("/", bearer(d.Token))
	if d.Metrics != nil {
		auth.GET("/metrics", gin.WrapH(d.Metrics))
	}

	bots := auth.Group("/bots")
	bots.GET("", a.listBots)
	bots.GET("/health", a.systemHealth)
	kind := bots.Group("/:kind")
	kind.GET("/health", a.botHealth)
	kind.POST("/execute", a.execute)
	kind.POST("/reset", a.reset)
	kind.POST("/enable", a.setDisabled(false))
	kind.POST("/disable", a.setDisabled(true))

	auth.GET("/scheduler", a.schedulerStatus)
	auth.POST("/scheduler/tasks/:name/trigger", a.triggerTask)

	auth.GET("/autodeploy", a.autodeployStatus)
	auth.POST("/autodeploy/enable", a.setAutoDeploy(true))
	auth.POST("/autodeploy/disable", a.setAutoDeploy(false))

	auth.GET("/errors/patterns", a.errorPatterns)
	auth.GET("/alerts", a.alerts)
	return r
}

// bearer rejects requests without the configured token. An empty token
// leaves the routes open.
func bearer(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) == 1 {
			c.Next()
			return
		}
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": gin.H{"message": "unauthorized", "code": "UNAUTHORIZED"}})
	}
}

func (a *api) healthz(c *gin.Context) {
	if a.Bots == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	h := a.Bots.SystemHealth(c.Request.Context())
	code := http.StatusOK
	if h.Status == manager.SystemCritical {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": h.Status, "summary": h.Summary, "timestamp": h.Timestamp})
}

func (a *api) kind(c *gin.Context) (bot.Kind, bool) {
	k, err := bot.ParseKind(c.Param("kind"))
	if err != nil {
		a.fail(c, http.StatusNotFound, err.Error(), "BOT_NOT_FOUND", errhandler.SeverityStandard)
		return "", false
	}
	return k, true
}

func (a *api) listBots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"bots": a.Bots.Registered()})
}

func (a *api) systemHealth(c *gin.Context) {
	c.JSON(http.StatusOK, a.Bots.SystemHealth(c.Request.Context()))
}

func (a *api) botHealth(c *gin.Context) {
	k, ok := a.kind(c)
	if !ok {
		return
	}
	h, err := a.Bots.BotHealth(c.Request.Context(), k)
	if err != nil {
		a.error(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func (a *api) execute(c *gin.Context) {
	k, ok := a.kind(c)
	if !ok {
		return
	}
	in := bot.Input{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&in); err != nil {
			a.fail(c, http.StatusBadRequest, "Request body must be a JSON object", "VALIDATION_ERROR", errhandler.SeverityStandard)
			return
		}
	}
	res, err := a.Bots.Execute(c.Request.Context(), k, in)
	if err != nil {
		a.error(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) reset(c *gin.Context) {
	k, ok := a.kind(c)
	if !ok {
		return
	}
	if err := a.Bots.ResetCircuitBreaker(k); err != nil {
		a.error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Circuit breaker reset for " + string(k)})
}

func (a *api) setDisabled(disabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		k, ok := a.kind(c)
		if !ok {
			return
		}
		op := a.Bots.Enable
		if disabled {
			op = a.Bots.Disable
		}
		if err := op(k); err != nil {
			a.error(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "botType": k, "disabled": disabled})
	}
}

func (a *api) schedulerStatus(c *gin.Context) {
	if a.Scheduler == nil {
		a.fail(c, http.StatusNotFound, "Scheduler is not configured", "NOT_FOUND", errhandler.SeverityStandard)
		return
	}
	c.JSON(http.StatusOK, a.Scheduler.Status())
}

func (a *api) triggerTask(c *gin.Context) {
	if a.Scheduler == nil {
		a.fail(c, http.StatusNotFound, "Scheduler is not configured", "NOT_FOUND", errhandler.SeverityStandard)
		return
	}
	res, err := a.Scheduler.TriggerTask(c.Request.Context(), c.Param("name"))
	if err != nil {
		a.error(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) autodeployStatus(c *gin.Context) {
	if a.AutoDeploy == nil {
		a.fail(c, http.StatusNotFound, "Auto-deploy is not configured", "NOT_FOUND", errhandler.SeverityStandard)
		return
	}
	c.JSON(http.StatusOK, a.AutoDeploy.Status())
}

func (a *api) setAutoDeploy(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.AutoDeploy == nil {
			a.fail(c, http.StatusNotFound, "Auto-deploy is not configured", "NOT_FOUND", errhandler.SeverityStandard)
			return
		}
		a.AutoDeploy.SetEnabled(enabled)
		c.JSON(http.StatusOK, a.AutoDeploy.Status())
	}
}

func (a *api) errorPatterns(c *gin.Context) {
	if a.Errors == nil {
		c.JSON(http.StatusOK, gin.H{"patterns": []errhandler.Pattern{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": a.Errors.Patterns()})
}

func (a *api) alerts(c *gin.Context) {
	if a.Alerts == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []notifier.HistoryItem{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": a.Alerts.History()})
}

// error maps err to a status code and writes the safe envelope. The manager
// already ran the error handler, so nothing is logged or alerted here.
func (a *api) error(c *gin.Context, err error) {
	var open *manager.CircuitOpenError
	switch {
	case errors.As(err, &open):
		c.Header("Retry-After", strconv.Itoa(open.RetrySeconds()))
		a.fail(c, http.StatusServiceUnavailable, open.Error(), open.Code(), errhandler.SeverityWarning)
	case errors.Is(err, bot.ErrAlreadyRunning):
		a.fail(c, http.StatusConflict, "Bot is already running", "ALREADY_RUNNING", errhandler.SeverityWarning)
	case errors.Is(err, manager.ErrBotDisabled):
		a.fail(c, http.StatusConflict, "Bot is disabled", "BOT_DISABLED", errhandler.SeverityWarning)
	case errors.Is(err, manager.ErrNotRegistered):
		a.fail(c, http.StatusNotFound, "Bot is not registered", "BOT_NOT_FOUND", errhandler.SeverityStandard)
	case errors.Is(err, scheduler.ErrUnknownTask):
		a.fail(c, http.StatusNotFound, "Unknown scheduled task", "TASK_NOT_FOUND", errhandler.SeverityStandard)
	case bot.IsValidation(err):
		a.fail(c, http.StatusBadRequest, errhandler.SafeMessage(err), errhandler.Code(err), errhandler.SeverityStandard)
	default:
		a.fail(c, http.StatusInternalServerError, errhandler.SafeMessage(err), errhandler.Code(err), errhandler.Classify(err))
	}
}

func (a *api) fail(c *gin.Context, status int, msg, code string, sev errhandler.Severity) {
	c.AbortWithStatusJSON(status, errhandler.Envelope{
		Success: false,
		Error: errhandler.Body{
			Message:   msg,
			Code:      code,
			Severity:  sev,
			Timestamp: a.Now().UTC(),
		},
	})
}
