package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// PushNotifier posts events to the driver app's push gateway.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushMessage struct {
	DriverID string       `json:"driver_id"`
	Event    models.Event `json:"event"`
}

func (p *PushNotifier) Notify(ctx context.Context, driverID string, ev models.Event) error {
	b, err := json.Marshal(pushMessage{DriverID: driverID, Event: ev})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return apperr.Upstream("notify.Push", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return apperr.Upstream("notify.Push", fmt.Errorf("push gateway status %d", resp.StatusCode))
	}
	return nil
}
