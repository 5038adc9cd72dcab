package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/fedauth"
	"github.com/MrEthical07/fedauth/mfa"
)

// webhookNotifier posts each code to a delivery service. Any non-2xx reply
// is a delivery failure.
type webhookNotifier struct {
	url   string
	token string
	hc    *http.Client
}

type notifyPayload struct {
	TemplateID  string            `json:"template_id"`
	Channel     string            `json:"channel"`
	Destination string            `json:"destination"`
	Reference   string            `json:"reference"`
	Personalise map[string]string `json:"personalisation"`
}

func newWebhookNotifier(url, token string) *webhookNotifier {
	return &webhookNotifier{url: url, token: token, hc: &http.Client{Timeout: 5 * time.Second}}
}

func (n *webhookNotifier) Send(ctx context.Context, msg fedauth.Message) error {
	body, err := json.Marshal(notifyPayload{
		TemplateID:  msg.TemplateID,
		Channel:     string(msg.Channel),
		Destination: msg.Destination,
		Reference:   msg.Username,
		Personalise: map[string]string{
			"mfaCode": msg.Code,
			"expiry":  msg.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: status %d", resp.StatusCode)
	}
	return nil
}

// logNotifier writes codes to the log. Development only.
func logNotifier(logger *zap.Logger) fedauth.Notifier {
	return fedauth.NotifierFunc(func(_ context.Context, msg fedauth.Message) error {
		logger.Info("mfa code",
			zap.String("username", msg.Username),
			zap.String("channel", string(msg.Channel)),
			zap.String("destination", mfa.Mask(msg.Destination, msg.Channel)),
			zap.String("template", msg.TemplateID),
			zap.String("code", msg.Code),
		)
		return nil
	})
}
