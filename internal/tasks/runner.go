package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"chapter_dues/internal/models"
)

var ErrUnknownTask = errors.New("task handler not found")

// RunRecorder stores task run history
type RunRecorder interface {
	RecordTaskRun(ctx context.Context, run *models.TaskRun) error
}

// Runner executes registered tasks and records every run
type Runner struct {
	registry *Registry
	recorder RunRecorder
	log      *logrus.Entry
	now      func() time.Time
}

func NewRunner(registry *Registry, recorder RunRecorder, logger *logrus.Logger) *Runner {
	return &Runner{
		registry: registry,
		recorder: recorder,
		log:      logger.WithField("component", "task_runner"),
		now:      time.Now,
	}
}

// Run executes the named task once. The run is recorded even when the
// handler is missing or fails.
func (r *Runner) Run(ctx context.Context, name string, args map[string]interface{}) (*models.TaskRun, error) {
	log := r.log.WithField("task", name)
	if args == nil {
		args = make(map[string]interface{})
	}
	run := &models.TaskRun{TaskName: name, RunAt: r.now(), Arguments: args}

	handler, found := r.registry.Get(name)
	if !found {
		log.Warn("task handler not found")
		run.Status = models.TaskRunFailed
		run.Error = ErrUnknownTask.Error()
		r.record(ctx, run)
		return run, fmt.Errorf("%s: %w", name, ErrUnknownTask)
	}

	log.Debug("processing task")
	start := time.Now()
	result, err := handler(ctx, args)
	run.Runtime = time.Since(start).Milliseconds()
	run.Result = result

	if err != nil {
		run.Status = models.TaskRunFailed
		run.Error = err.Error()
		log.WithError(err).WithField("runtime_ms", run.Runtime).Error("task failed")
	} else {
		run.Status = models.TaskRunSucceeded
		log.WithFields(logrus.Fields{"runtime_ms": run.Runtime, "result": result}).Info("task completed")
	}

	r.record(ctx, run)
	return run, err
}

func (r *Runner) record(ctx context.Context, run *models.TaskRun) {
	if r.recorder == nil {
		return
	}
	// history is kept even when the run was cancelled
	if err := r.recorder.RecordTaskRun(context.WithoutCancel(ctx), run); err != nil {
		r.log.WithError(err).WithField("task", run.TaskName).Error("failed to record task run")
	}
}
