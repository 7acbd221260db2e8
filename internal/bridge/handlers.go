package bridge

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/raveos/rave/internal/chat"
	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/raverr"
)

// webhookPayload is the outgoing-webhook body, accepted as JSON or form
// fields.
type webhookPayload struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

// handleWebhook processes one chat command synchronously and returns the
// reply in the response body.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeWebhook(r)
	if err != nil {
		chat.WriteWebhookReply(w, http.StatusBadRequest, "❌ Malformed webhook payload.")
		return
	}
	if payload.Token != "" && payload.Token != s.cfg.AppserviceToken {
		s.metrics.AuthFailure("webhook_token")
		chat.WriteWebhookReply(w, http.StatusUnauthorized, "❌ Invalid webhook token.")
		return
	}

	text := strings.TrimSpace(payload.Text)
	if !strings.HasPrefix(text, "!") {
		// Not a command; acknowledge without a reply.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	out := s.process(r.Context(), request{
		sender:   payload.UserID,
		roomID:   payload.ChannelID,
		clientIP: clientIP(r),
		text:     text,
	})
	if out.err != nil {
		chat.WriteWebhookReply(w, httpStatus(raverr.KindOf(out.err)), out.reply)
		return
	}
	chat.WriteWebhookReply(w, http.StatusOK, out.reply)
}

func decodeWebhook(r *http.Request) (*webhookPayload, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var p webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			return nil, raverr.Wrap(raverr.KindValidation, err, "decode webhook JSON")
		}
		return &p, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, raverr.Wrap(raverr.KindValidation, err, "parse webhook form")
	}
	return &webhookPayload{
		Token:     r.PostFormValue("token"),
		UserID:    r.PostFormValue("user_id"),
		UserName:  r.PostFormValue("user_name"),
		ChannelID: r.PostFormValue("channel_id"),
		Text:      r.PostFormValue("text"),
	}, nil
}

// matrixTransaction is the appservice push body.
type matrixTransaction struct {
	Events []matrixEvent `json:"events"`
}

type matrixEvent struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
	Content struct {
		MsgType string `json:"msgtype"`
		Body    string `json:"body"`
	} `json:"content"`
}

// handleTransaction ingests a Matrix appservice transaction. Replies are
// posted back into the room through the client-server API; the transaction
// itself is always acknowledged with an empty object so the homeserver does
// not retry.
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := r.PathValue("txnId")
	if txnID == "" {
		http.Error(w, "missing transaction id", http.StatusBadRequest)
		return
	}
	if s.dedup.Seen(txnID) {
		writeJSONObject(w)
		return
	}

	var txn matrixTransaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		http.Error(w, "malformed transaction", http.StatusBadRequest)
		return
	}

	for _, ev := range txn.Events {
		if ev.Type != "m.room.message" || ev.Content.MsgType != "m.text" {
			continue
		}
		text := strings.TrimSpace(ev.Content.Body)
		if !strings.HasPrefix(text, "!") {
			continue
		}

		out := s.process(r.Context(), request{
			sender:   ev.Sender,
			roomID:   ev.RoomID,
			clientIP: clientIP(r),
			text:     text,
		})
		if err := s.chat.SendRoomMessage(r.Context(), ev.RoomID, out.reply); err != nil {
			logging.Op().Error("post reply to room",
				"room", ev.RoomID, "event", ev.EventID, "error", err)
		}
	}

	writeJSONObject(w)
}

// healthResponse is the /health body.
type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  string            `json:"timestamp"`
}

// handleHealth reports degraded when any circuit breaker is open or the
// distributed rate limit backend is unavailable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := s.breakers.Snapshot()

	if s.limiter.Degraded() {
		components["rate_limiter"] = "degraded"
	} else {
		components["rate_limiter"] = "ok"
	}

	status := "ok"
	code := http.StatusOK
	if s.breakers.AnyOpen() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(healthResponse{
		Status:     status,
		Components: components,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSONObject(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}\n"))
}
