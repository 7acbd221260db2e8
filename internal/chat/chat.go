// Package chat posts bot replies back to the chat platform: Matrix room
// messages through the client-server API, and plain JSON webhook responses.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/raveos/rave/internal/raverr"
)

// Client sends outbound messages with the bot's access token.
type Client struct {
	homeserverURL string
	accessToken   string
	http          *http.Client
}

// New builds a client; the underlying http.Client is long-lived and pooled.
func New(homeserverURL, accessToken string) *Client {
	return &Client{
		homeserverURL: homeserverURL,
		accessToken:   accessToken,
		http:          &http.Client{Timeout: 10 * time.Second},
	}
}

// SendRoomMessage posts an m.text message into a Matrix room. The
// transaction ID is fresh per call, so homeserver-side deduplication never
// swallows distinct replies.
func (c *Client) SendRoomMessage(ctx context.Context, roomID, body string) error {
	txnID := uuid.NewString()
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		c.homeserverURL, url.PathEscape(roomID), txnID)

	payload, err := json.Marshal(map[string]string{
		"msgtype": "m.text",
		"body":    body,
	})
	if err != nil {
		return raverr.Wrap(raverr.KindInternal, err, "marshal room message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return raverr.Wrap(raverr.KindInternal, err, "build room message request")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return raverr.Wrap(raverr.KindTransient, err, "send message to room %s", roomID)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return raverr.New(raverr.KindAuthentication, "homeserver rejected bot token: %s", resp.Status)
	case resp.StatusCode >= 500:
		return raverr.New(raverr.KindTransient, "homeserver error sending to %s: %s", roomID, resp.Status)
	default:
		return raverr.New(raverr.KindInternal, "unexpected homeserver response: %s", resp.Status)
	}
}

// WebhookReply is the synchronous JSON body returned to webhook callers.
type WebhookReply struct {
	Text string `json:"text"`
}

// WriteWebhookReply writes the reply to an in-flight webhook request.
func WriteWebhookReply(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(WebhookReply{Text: text})
}
