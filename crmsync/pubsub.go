package crmsync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/crmsync_backend/appctx"
	"bitbucket.org/mmdatafocus/crmsync_backend/config"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// Queued sync runs go through Pub/Sub push delivery: the trigger endpoint
// publishes the run id and Pub/Sub posts it back to the push endpoint, which
// executes the run. That keeps long batch runs off the trigger request and
// lets the platform retry a run whose instance died mid-way (ExecuteRun
// refuses runs that already left the queued state, so redelivery is safe).

type SyncRunMessage struct {
	RunId uint `json:"runId"`
}

type PushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func syncTopicName() string {
	if name := strings.TrimSpace(os.Getenv("SYNC_RUN_TOPIC")); name != "" {
		return name
	}
	return "crm-sync-runs"
}

func PublishSyncRun(ctx context.Context, runId uint) error {
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(syncTopicName())
	if config.EnvBoolDefault("SYNC_RUN_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, syncTopicName())
		if err != nil {
			return err
		}
	}

	data, _ := json.Marshal(SyncRunMessage{RunId: runId})
	result := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = result.Get(ctx)
	return err
}

// SyncRunPushHandler is the Pub/Sub push endpoint. It always acknowledges
// with 204: a run that cannot execute (bad envelope, stale state) will not
// get better on redelivery, and actual failures are in the sync_runs row.
func SyncRunPushHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.EnvBoolDefault("SYNC_RUN_PUSH_ENABLED", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}
		var envelope PushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}
		var message SyncRunMessage
		if err := json.Unmarshal(envelope.Message.Data, &message); err != nil {
			c.Status(204)
			return
		}
		if message.RunId == 0 {
			c.Status(204)
			return
		}

		ctx := appctx.SetTriggerSource(c.Request.Context(), models.SyncTriggeredQueued)
		if _, err := coordinator.ExecuteRun(ctx, message.RunId); err != nil {
			config.LogError(config.GetLogger(), "crmsync", "SyncRunPushHandler", "executing queued sync run", map[string]interface{}{
				"runId": message.RunId,
			}, err)
		}
		c.Status(204)
	}
}
