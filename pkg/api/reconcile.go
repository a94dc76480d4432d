package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/omnibus-reconciler/pkg/apiresponses"
	"github.com/telekom/omnibus-reconciler/pkg/reconcile"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

// Reconciler is the part of the reconcile driver the API exposes.
type Reconciler interface {
	Trigger()
	Last() *reconcile.Result
}

type ReconcileController struct {
	log     *zap.SugaredLogger
	driver  Reconciler
	trigger gin.HandlerFunc
}

func NewReconcileController(log *zap.SugaredLogger, driver Reconciler, trigger gin.HandlerFunc) *ReconcileController {
	return &ReconcileController{log: log.Named("reconcile"), driver: driver, trigger: trigger}
}

func (rc *ReconcileController) BasePath() string { return "reconcile" }

func (rc *ReconcileController) Handlers() []gin.HandlerFunc { return nil }

func (rc *ReconcileController) Register(rg *gin.RouterGroup) error {
	post := []gin.HandlerFunc{rc.handleTrigger}
	if rc.trigger != nil {
		post = append([]gin.HandlerFunc{rc.trigger}, post...)
	}
	rg.POST("", post...)
	rg.GET("/last", rc.handleLast)
	return nil
}

func (rc *ReconcileController) handleTrigger(c *gin.Context) {
	rc.driver.Trigger()
	system.GetReqLogger(c, rc.log).Infow("Reconciliation pass requested", "client", c.ClientIP())
	apiresponses.RespondAccepted(c, gin.H{"status": "triggered"})
}

func (rc *ReconcileController) handleLast(c *gin.Context) {
	last := rc.driver.Last()
	if last == nil {
		apiresponses.RespondNotFound(c, "reconciliation pass", "last")
		return
	}
	apiresponses.RespondOK(c, last)
}
