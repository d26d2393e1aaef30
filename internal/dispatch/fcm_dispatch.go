package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/qmuter-tracking/internal/models"
)

// FCMDispatcher posts JSON to the FCM HTTP v1 endpoint. Messages are addressed
// to a per-user topic so no device token lookup is needed here.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Deliver(ctx context.Context, n models.Notification) error {
	body := map[string]any{
		"message": map[string]any{
			"topic":        "user-" + n.UserID,
			"notification": map[string]string{"title": n.Title, "body": n.Message},
			"data": map[string]string{
				"notificationId": n.ID,
				"type":           string(n.Type),
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("fcm status %d", resp.StatusCode)
	}
	return nil
}
