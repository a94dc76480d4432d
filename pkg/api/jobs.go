package api

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/omnibus-reconciler/pkg/apiresponses"
	"github.com/telekom/omnibus-reconciler/pkg/dirsync"
	"github.com/telekom/omnibus-reconciler/pkg/joblog"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

// JobScheduler is the part of the sync scheduler the API exposes.
type JobScheduler interface {
	States() []dirsync.JobState
	RunNow(server string, kind joblog.Kind) error
}

// JobRecords reads finished sync job records.
type JobRecords interface {
	List(f joblog.Filter) []joblog.Record
	Get(id string) (joblog.Record, bool)
}

// JobsController serves directory sync job states and records.
type JobsController struct {
	log       *zap.SugaredLogger
	scheduler JobScheduler
	records   JobRecords
	trigger   gin.HandlerFunc
}

// NewJobsController builds the controller. trigger guards the manual run
// endpoint and may be nil.
func NewJobsController(log *zap.SugaredLogger, scheduler JobScheduler, records JobRecords, trigger gin.HandlerFunc) *JobsController {
	return &JobsController{
		log:       log.Named("jobs"),
		scheduler: scheduler,
		records:   records,
		trigger:   trigger,
	}
}

func (jc *JobsController) BasePath() string { return "jobs" }

func (jc *JobsController) Handlers() []gin.HandlerFunc { return nil }

func (jc *JobsController) Register(rg *gin.RouterGroup) error {
	rg.GET("", jc.handleStates)
	rg.GET("/records", jc.handleListRecords)
	rg.GET("/records/:id", jc.handleGetRecord)

	run := []gin.HandlerFunc{jc.handleRun}
	if jc.trigger != nil {
		run = append([]gin.HandlerFunc{jc.trigger}, run...)
	}
	rg.POST("/:server/:kind/run", run...)
	return nil
}

func (jc *JobsController) handleStates(c *gin.Context) {
	apiresponses.RespondOK(c, jc.scheduler.States())
}

func (jc *JobsController) handleListRecords(c *gin.Context) {
	f := joblog.Filter{
		Server:  c.Query("server"),
		Kind:    joblog.Kind(c.Query("kind")),
		Outcome: joblog.Outcome(c.Query("outcome")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			apiresponses.RespondBadRequest(c, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}
	records := jc.records.List(f)
	if records == nil {
		records = []joblog.Record{}
	}
	apiresponses.RespondOK(c, records)
}

func (jc *JobsController) handleGetRecord(c *gin.Context) {
	id := c.Param("id")
	rec, ok := jc.records.Get(id)
	if !ok {
		apiresponses.RespondNotFound(c, "job record", id)
		return
	}
	apiresponses.RespondOK(c, rec)
}

func (jc *JobsController) handleRun(c *gin.Context) {
	server, kind := c.Param("server"), joblog.Kind(c.Param("kind"))
	err := jc.scheduler.RunNow(server, kind)
	switch {
	case err == nil:
		system.GetReqLogger(c, jc.log).Infow("Manual sync requested", "server", server, "kind", kind, "client", c.ClientIP())
		apiresponses.RespondAccepted(c, gin.H{"server": server, "kind": kind, "status": "started"})
	case errors.Is(err, dirsync.ErrUnknownKind):
		apiresponses.RespondBadRequest(c, err.Error())
	case errors.Is(err, dirsync.ErrUnknownServer):
		apiresponses.RespondNotFound(c, "directory server", server)
	case errors.Is(err, dirsync.ErrSkippedOverlap):
		apiresponses.RespondConflict(c, err.Error())
	case errors.Is(err, dirsync.ErrStopped):
		apiresponses.RespondServiceUnavailable(c, "directory sync scheduler")
	default:
		apiresponses.RespondInternalError(c, "start sync job", err, system.GetReqLogger(c, jc.log))
	}
}
