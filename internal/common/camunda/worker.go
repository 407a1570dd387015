// internal/common/camunda/worker.go
package camunda

import (
	"context"
	"fmt"
	"time"

	"deal-pipeline/internal/common/config"
	"deal-pipeline/internal/common/logger"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
)

// JobHandler is the handler signature every deal worker exposes.
type JobHandler func(client worker.JobClient, job entities.Job)

// StartWorker opens a job worker for taskType. It returns nil when the worker is
// disabled in configuration.
func StartWorker(client zbc.Client, taskType string, wcfg config.WorkerConfig, handler JobHandler, log logger.Logger) worker.JobWorker {
	if !wcfg.Enabled {
		log.Info("worker disabled", map[string]interface{}{"taskType": taskType})
		return nil
	}

	jw := client.NewJobWorker().
		JobType(taskType).
		Handler(worker.JobHandler(handler)).
		MaxJobsActive(wcfg.MaxJobsActive).
		Timeout(time.Duration(wcfg.Timeout) * time.Millisecond).
		Open()

	log.Info("worker started", map[string]interface{}{
		"taskType":      taskType,
		"maxJobsActive": wcfg.MaxJobsActive,
		"timeout_ms":    wcfg.Timeout,
	})
	return jw
}

// StopWorkers closes every opened worker and waits for in-flight jobs.
func StopWorkers(workers []worker.JobWorker, log logger.Logger) {
	for _, w := range workers {
		if w == nil {
			continue
		}
		w.Close()
		w.AwaitClose()
	}
	log.Info("workers stopped", map[string]interface{}{"count": len(workers)})
}

// CompleteJob completes jobKey with variables, retrying transient broker failures
// with retry (DefaultRetryConfig when nil).
func CompleteJob(ctx context.Context, client worker.JobClient, jobKey int64, variables interface{}, retry *RetryConfig) error {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(jobKey).
		VariablesFromObject(variables)
	if err != nil {
		return fmt.Errorf("failed to encode job variables: %w", err)
	}

	_, err = Retry(ctx, retry, func(ctx context.Context) (interface{}, error) {
		return cmd.Send(ctx)
	}, "complete-job")
	return err
}
