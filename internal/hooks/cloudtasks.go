package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudTasksDispatcher hands hook delivery to Google Cloud Tasks for
// durable, at-least-once delivery. The queue owns retry policy, backoff and
// dead-lettering; this process only enqueues.
//
// Falls back to the in-process WebhookDispatcher when enqueueing fails.
type CloudTasksDispatcher struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	secret    string
	logger    *log.Logger
	fallback  *WebhookDispatcher
}

// NewCloudTasksDispatcher connects to the queue. If fallbackWorkers > 0 an
// in-process dispatcher backs up failed enqueues.
func NewCloudTasksDispatcher(projectID, locationID, queueID, targetURL, secret string, fallbackWorkers int) (*CloudTasksDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cd := &CloudTasksDispatcher{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetURL: targetURL,
		secret:    secret,
		logger:    log.New(log.Writer(), "[HookTasks] ", log.LstdFlags),
	}
	if fallbackWorkers > 0 {
		cd.fallback = NewWebhookDispatcher(targetURL, secret, fallbackWorkers)
	}
	cd.logger.Printf("connected to Cloud Tasks queue %s", cd.queuePath)
	return cd, nil
}

func (cd *CloudTasksDispatcher) Emit(event Event, data map[string]interface{}) {
	envelope := NewEnvelope(event, data)
	payload, err := json.Marshal(envelope)
	if err != nil {
		cd.logger.Printf("failed to marshal hook envelope: %v", err)
		return
	}

	headers := map[string]string{
		"Content-Type":                 "application/json",
		"X-AgentChat-Event":            string(event),
		"X-AgentChat-Event-ID":         envelope.ID,
		"X-AgentChat-Delivery-Attempt": "1",
	}
	if cd.secret != "" {
		headers["X-AgentChat-Signature"] = "sha256=" + SignPayload(payload, cd.secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        cd.targetURL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Enqueue off the hot path; settlement must not wait on the queue RPC.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.logger.Printf("cloud task enqueue failed for %s: %v", envelope.ID, err)
			if cd.fallback != nil {
				cd.fallback.Emit(event, data)
			}
			return
		}
		cd.logger.Printf("enqueued hook task %s (%s)", task.GetName(), event)
	}()
}

func (cd *CloudTasksDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("cloud tasks client close error: %v", err)
	}
}
