// Package tasks provides the Cloud Tasks queue adapter.
//
// Every task targets an HTTP endpoint on this service and carries an OIDC
// token, which the task middleware verifies on delivery.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/rolandd/midpen-tracker/pkg/types"
)

const (
	pathProcessActivity  = "/tasks/process-activity"
	pathContinueBackfill = "/tasks/continue-backfill"
	pathDeleteUser       = "/tasks/delete-user"
	pathDeleteActivity   = "/tasks/delete-activity"

	maxConcurrentEnqueues = 100

	// dispatchDeadline bounds how long Cloud Tasks waits for a callback
	// before counting the attempt failed. Backfill pages and GDPR deletes
	// can legitimately run for minutes.
	dispatchDeadline = 10 * time.Minute
)

// QueueConfig describes the target queue and callback endpoint.
type QueueConfig struct {
	ProjectID string
	Region    string
	QueueName string
	// TargetBaseURL is the public URL of this service, also used as the
	// OIDC audience.
	TargetBaseURL       string
	ServiceAccountEmail string
}

// CloudTasksAdapter implements shared.TaskQueue.
type CloudTasksAdapter struct {
	client *cloudtasks.Client
	cfg    *QueueConfig

	queuePath string

	enqueueSuccessTotal atomic.Uint64
	enqueueFailureTotal atomic.Uint64
}

func NewCloudTasksAdapter(client *cloudtasks.Client, cfg *QueueConfig) *CloudTasksAdapter {
	return &CloudTasksAdapter{
		client: client,
		cfg:    cfg,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s",
			cfg.ProjectID, cfg.Region, cfg.QueueName),
	}
}

func (a *CloudTasksAdapter) EnqueueProcessActivity(ctx context.Context, payload *types.ProcessActivityPayload) error {
	return a.enqueue(ctx, pathProcessActivity, payload)
}

func (a *CloudTasksAdapter) EnqueueContinueBackfill(ctx context.Context, payload *types.ContinueBackfillPayload) error {
	return a.enqueue(ctx, pathContinueBackfill, payload)
}

func (a *CloudTasksAdapter) EnqueueDeleteUser(ctx context.Context, payload *types.DeleteUserPayload) error {
	slog.Info("Queuing user deletion task",
		"component", "tasks", "athlete_id", payload.AthleteID, "source", payload.Source)
	return a.enqueue(ctx, pathDeleteUser, payload)
}

func (a *CloudTasksAdapter) EnqueueDeleteActivity(ctx context.Context, payload *types.DeleteActivityPayload) error {
	return a.enqueue(ctx, pathDeleteActivity, payload)
}

// EnqueueBackfillBatch creates one process-activity task per id. Failures are
// counted and logged but do not abort the batch; a lost task only delays the
// activity until the next backfill scan.
func (a *CloudTasksAdapter) EnqueueBackfillBatch(ctx context.Context, athleteID int64, activityIDs []int64) int {
	var succeeded, failed atomic.Uint64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentEnqueues)
	for _, id := range activityIDs {
		id := id
		g.Go(func() error {
			payload := &types.ProcessActivityPayload{
				ActivityID: id,
				AthleteID:  athleteID,
				Source:     types.SourceBackfill,
			}
			if err := a.EnqueueProcessActivity(gctx, payload); err != nil {
				slog.Warn("Failed to queue activity for backfill",
					"component", "tasks", "activity_id", id, "error", err)
				failed.Add(1)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	g.Wait()

	slog.Info("Queued activities for backfill",
		"component", "tasks",
		"athlete_id", athleteID,
		"requested", len(activityIDs),
		"succeeded", succeeded.Load(),
		"failed", failed.Load())
	return int(succeeded.Load())
}

func (a *CloudTasksAdapter) enqueue(ctx context.Context, endpoint string, payload any) error {
	started := time.Now()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}

	task := &cloudtaskspb.Task{
		DispatchDeadline: durationpb.New(dispatchDeadline),
		MessageType: &cloudtaskspb.Task_HttpRequest{
			HttpRequest: &cloudtaskspb.HttpRequest{
				Url:        a.cfg.TargetBaseURL + endpoint,
				HttpMethod: cloudtaskspb.HttpMethod_POST,
				Body:       body,
				Headers:    map[string]string{"Content-Type": "application/json"},
				AuthorizationHeader: &cloudtaskspb.HttpRequest_OidcToken{
					OidcToken: &cloudtaskspb.OidcToken{
						ServiceAccountEmail: a.cfg.ServiceAccountEmail,
						Audience:            a.cfg.TargetBaseURL,
					},
				},
			},
		},
	}

	_, err = a.client.CreateTask(ctx, &cloudtaskspb.CreateTaskRequest{
		Parent: a.queuePath,
		Task:   task,
	})
	if err != nil {
		failureTotal := a.enqueueFailureTotal.Add(1)
		slog.Warn("Cloud Tasks enqueue failed",
			"component", "tasks",
			"endpoint", endpoint,
			"queue", a.cfg.QueueName,
			"enqueue_latency_ms", time.Since(started).Milliseconds(),
			"enqueue_failure_total", failureTotal,
			"error", err)
		return fmt.Errorf("cloud tasks create: %w", err)
	}

	successTotal := a.enqueueSuccessTotal.Add(1)
	slog.Debug("Cloud Tasks enqueue succeeded",
		"component", "tasks",
		"endpoint", endpoint,
		"queue", a.cfg.QueueName,
		"enqueue_latency_ms", time.Since(started).Milliseconds(),
		"enqueue_success_total", successTotal)
	return nil
}

// LogQueue is a no-op queue for local development. It logs what would have
// been enqueued.
type LogQueue struct{}

func (q *LogQueue) logTask(endpoint string, payload any) error {
	body, _ := json.Marshal(payload)
	slog.Info("LogQueue: would enqueue task",
		"component", "tasks", "endpoint", endpoint, "payload", string(body))
	return nil
}

func (q *LogQueue) EnqueueProcessActivity(_ context.Context, p *types.ProcessActivityPayload) error {
	return q.logTask(pathProcessActivity, p)
}

func (q *LogQueue) EnqueueContinueBackfill(_ context.Context, p *types.ContinueBackfillPayload) error {
	return q.logTask(pathContinueBackfill, p)
}

func (q *LogQueue) EnqueueDeleteUser(_ context.Context, p *types.DeleteUserPayload) error {
	return q.logTask(pathDeleteUser, p)
}

func (q *LogQueue) EnqueueDeleteActivity(_ context.Context, p *types.DeleteActivityPayload) error {
	return q.logTask(pathDeleteActivity, p)
}

func (q *LogQueue) EnqueueBackfillBatch(_ context.Context, athleteID int64, activityIDs []int64) int {
	slog.Info("LogQueue: would enqueue backfill batch",
		"component", "tasks", "athlete_id", athleteID, "count", len(activityIDs))
	return len(activityIDs)
}
