package jobs

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pilehq/pile/internal/fanout"
)

// HubNotifier emits events straight into an in-process fanout hub. Used when
// the workers run inside the API server.
type HubNotifier struct {
	Hub *fanout.Hub
}

// Notify implements Notifier
func (n *HubNotifier) Notify(_ context.Context, _, profileID, event string, data map[string]any) {
	n.Hub.Emit(profileID, event, data)
}

// CallbackNotifier posts events to the API server's notify endpoint. Used
// when the workers run as a separate process. Delivery is best effort: a
// failed callback is logged and dropped, never retried, the job outcome is
// already durable in the jobs table.
type CallbackNotifier struct {
	BaseURL string
	Token   string // shared worker token, sent as X-Worker-Token when set
	client  *http.Client
}

// NewCallbackNotifier creates a notifier posting to the given server origin
func NewCallbackNotifier(baseURL string) *CallbackNotifier {
	return &CallbackNotifier{
		BaseURL: baseURL,
		Token:   os.Getenv("WORKER_CALLBACK_TOKEN"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify implements Notifier. The callback carries no payload: the server
// reloads the job row and derives the event itself, so only the ping matters
// here. The event and data arguments are kept for logging parity with
// HubNotifier.
func (n *CallbackNotifier) Notify(ctx context.Context, jobID, profileID, event string, _ map[string]any) {
	url := fmt.Sprintf("%s/v1/jobs/%s/notify", n.BaseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("Failed to build notify request")
		return
	}
	if n.Token != "" {
		req.Header.Set("X-Worker-Token", n.Token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("Notify callback failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().
			Int("status", resp.StatusCode).
			Str("job_id", jobID).
			Str("event", event).
			Msg("Notify callback rejected")
	}
}
