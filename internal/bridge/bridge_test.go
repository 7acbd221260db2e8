package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/raveos/rave/internal/agent"
	"github.com/raveos/rave/internal/audit"
	"github.com/raveos/rave/internal/circuitbreaker"
	"github.com/raveos/rave/internal/config"
	"github.com/raveos/rave/internal/identity"
	"github.com/raveos/rave/internal/idp"
	"github.com/raveos/rave/internal/metrics"
	"github.com/raveos/rave/internal/procrun"
	"github.com/raveos/rave/internal/ratelimit"
	"github.com/raveos/rave/internal/raverr"
)

const testToken = "astok"

type fakeDir struct {
	groups []string
	fail   error
}

func (d *fakeDir) LookupUser(_ context.Context, username string) (*idp.User, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	return &idp.User{
		ID:       "pk-" + username,
		Username: username,
		Email:    username + "@example.org",
		Active:   true,
	}, nil
}

func (d *fakeDir) LookupGroups(context.Context, string) ([]string, error) {
	return d.groups, nil
}

type fakeChat struct {
	rooms  []string
	bodies []string
	err    error
}

func (f *fakeChat) SendRoomMessage(_ context.Context, roomID, body string) error {
	f.rooms = append(f.rooms, roomID)
	f.bodies = append(f.bodies, body)
	return f.err
}

// unitRunner scripts systemctl for the agent controller.
type unitRunner struct {
	states map[string]string
}

func (f *unitRunner) run(_ context.Context, argv []string, _ procrun.Options) (*procrun.Result, error) {
	switch {
	case argv[0] == "systemctl" && argv[1] == "is-active":
		state, ok := f.states[argv[2]]
		if !ok {
			state = "inactive"
		}
		res := &procrun.Result{Stdout: []byte(state + "\n")}
		if state != "active" {
			res.ReturnCode = 3
			return res, errors.New("exit status 3")
		}
		return res, nil
	case argv[0] == "systemctl" && argv[1] == "start":
		f.states[argv[2]] = "active"
		return &procrun.Result{}, nil
	case argv[0] == "systemctl" && argv[1] == "stop":
		f.states[argv[2]] = "inactive"
		return &procrun.Result{}, nil
	case argv[0] == "systemctl" && argv[1] == "show":
		return &procrun.Result{Stdout: []byte("0\n")}, nil
	case argv[0] == "journalctl":
		return &procrun.Result{Stdout: []byte("line one\n")}, nil
	}
	return nil, errors.New("unexpected command " + strings.Join(argv, " "))
}

type fixture struct {
	server   *Server
	chat     *fakeChat
	dir      *fakeDir
	runner   *unitRunner
	breakers *circuitbreaker.Registry
}

func newFixture(t *testing.T, opts ...func(*fixture)) *fixture {
	t.Helper()

	f := &fixture{
		chat:   &fakeChat{},
		dir:    &fakeDir{groups: []string{"rave-admins"}},
		runner: &unitRunner{states: map[string]string{}},
	}

	validator := identity.New(config.IdentityConfig{
		CacheMaxEntries: 100,
		CacheTTL:        time.Minute,
		LockoutWindow:   time.Minute,
		LockoutFailures: 5,
	}, f.dir)

	limiter := ratelimit.New(config.RateLimitConfig{
		RequestsPerMinute: 600,
		BurstSize:         100,
		WindowSize:        time.Minute,
		MinMultiplier:     0.5,
		MaxMultiplier:     2.0,
	})

	agents := agent.NewWithRunner(config.AgentConfig{
		Allowlist:       []string{"backend-architect", "db-sync"},
		JournalMaxLines: 5,
	}, f.runner.run)

	auditLog, err := audit.New(config.AuditConfig{
		Dir:           t.TempDir(),
		HMACKey:       "test-key",
		BufferSize:    1000,
		FlushInterval: time.Hour,
		MaxFileSize:   1 << 20,
		BackupCount:   2,
	})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}

	bcfg := config.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	}
	f.breakers = circuitbreaker.NewRegistry()
	f.breakers.Register(circuitbreaker.New(BreakerIdP, bcfg, func(err error) bool {
		return raverr.IsKind(err, raverr.KindTransient) || raverr.IsKind(err, raverr.KindInternal)
	}))
	f.breakers.Register(circuitbreaker.New(BreakerSystemd, bcfg, func(err error) bool {
		return raverr.IsKind(err, raverr.KindTransient) ||
			raverr.IsKind(err, raverr.KindResource) ||
			raverr.IsKind(err, raverr.KindInternal)
	}))

	f.server = New(config.BridgeConfig{
		ListenAddr:      "127.0.0.1:0",
		AppserviceToken: testToken,
		MaxRequestSize:  1 << 20,
	}, limiter, validator, agents, auditLog, metrics.New(), f.chat, f.breakers)

	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.server.http.Handler.ServeHTTP(rr, req)
	return rr
}

func webhookRequest(text string) *http.Request {
	form := url.Values{}
	form.Set("token", testToken)
	form.Set("user_id", "alice")
	form.Set("user_name", "alice")
	form.Set("channel_id", "town-square")
	form.Set("text", text)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func replyText(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var reply struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply %q: %v", rr.Body.String(), err)
	}
	return reply.Text
}

func TestWebhookStartAgent(t *testing.T) {
	f := newFixture(t)

	rr := f.do(webhookRequest("!start-agent backend-architect"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	text := replyText(t, rr)
	if !strings.HasPrefix(text, "✅ Agent backend-architect started") {
		t.Fatalf("reply = %q", text)
	}
	if f.runner.states["rave-agent-backend-architect.service"] != "active" {
		t.Fatalf("unit was not started")
	}
}

func TestWebhookHelp(t *testing.T) {
	f := newFixture(t)

	rr := f.do(webhookRequest("!help"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	text := replyText(t, rr)
	for _, cmd := range []string{"start-agent", "stop-agent", "status-agent", "list-agents"} {
		if !strings.Contains(text, cmd) {
			t.Fatalf("help reply missing %q: %q", cmd, text)
		}
	}
}

func TestWebhookUnknownCommandRejected(t *testing.T) {
	f := newFixture(t)

	rr := f.do(webhookRequest("!reboot-host now"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.HasPrefix(replyText(t, rr), "❌") {
		t.Fatalf("reply = %q", replyText(t, rr))
	}
}

func TestWebhookViewerCannotStart(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.dir.groups = []string{"viewers"}
	})

	rr := f.do(webhookRequest("!start-agent backend-architect"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if text := replyText(t, rr); !strings.Contains(text, "not authorized") {
		t.Fatalf("reply = %q", text)
	}
}

func TestWebhookViewerCanStatus(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.dir.groups = []string{"viewers"}
		f.runner.states["rave-agent-db-sync.service"] = "active"
	})

	rr := f.do(webhookRequest("!status-agent db-sync"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if text := replyText(t, rr); !strings.Contains(text, "db-sync is ACTIVE") {
		t.Fatalf("reply = %q", text)
	}
}

func TestWebhookNonCommandAcknowledged(t *testing.T) {
	f := newFixture(t)

	rr := f.do(webhookRequest("good morning"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestWebhookMissingBearerToken(t *testing.T) {
	f := newFixture(t)

	req := webhookRequest("!help")
	req.Header.Del("Authorization")
	if rr := f.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestWebhookWrongPayloadToken(t *testing.T) {
	f := newFixture(t)

	form := url.Values{}
	form.Set("token", "stolen")
	form.Set("user_id", "alice")
	form.Set("text", "!help")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if rr := f.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestWebhookUnsupportedContentType(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("!help"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "text/plain")

	if rr := f.do(req); rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestWebhookOversizedBodyRejected(t *testing.T) {
	f := newFixture(t)

	req := webhookRequest("!help")
	req.ContentLength = 10 << 20
	if rr := f.do(req); rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestWebhookJSONPayload(t *testing.T) {
	f := newFixture(t)

	body := `{"token":"` + testToken + `","user_id":"alice","channel_id":"ops","text":"!list-agents"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	rr := f.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if text := replyText(t, rr); !strings.Contains(text, "Agents: 2 total") {
		t.Fatalf("reply = %q", text)
	}
}

func transactionRequest(txnID, body string) *http.Request {
	payload := `{"events":[{"type":"m.room.message","sender":"@alice:example.org",` +
		`"room_id":"!ops:example.org","event_id":"$e1",` +
		`"content":{"msgtype":"m.text","body":` + body + `}}]}`
	req := httptest.NewRequest(http.MethodPut, "/_matrix/app/v1/transactions/"+txnID,
		strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestTransactionCommandRepliesInRoom(t *testing.T) {
	f := newFixture(t)

	rr := f.do(transactionRequest("txn-1", `"!start-agent db-sync"`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if len(f.chat.bodies) != 1 {
		t.Fatalf("sent %d replies, want 1", len(f.chat.bodies))
	}
	if f.chat.rooms[0] != "!ops:example.org" {
		t.Fatalf("room = %q", f.chat.rooms[0])
	}
	if !strings.HasPrefix(f.chat.bodies[0], "✅ Agent db-sync started") {
		t.Fatalf("reply = %q", f.chat.bodies[0])
	}
}

func TestTransactionRetryIsDeduplicated(t *testing.T) {
	f := newFixture(t)

	if rr := f.do(transactionRequest("txn-dup", `"!help"`)); rr.Code != http.StatusOK {
		t.Fatalf("first status = %d", rr.Code)
	}
	if rr := f.do(transactionRequest("txn-dup", `"!help"`)); rr.Code != http.StatusOK {
		t.Fatalf("retry status = %d", rr.Code)
	}
	if len(f.chat.bodies) != 1 {
		t.Fatalf("sent %d replies, want 1", len(f.chat.bodies))
	}
}

func TestTransactionIgnoresNonCommandEvents(t *testing.T) {
	f := newFixture(t)

	payload := `{"events":[` +
		`{"type":"m.room.member","sender":"@a:x","room_id":"!r:x","event_id":"$1","content":{}},` +
		`{"type":"m.room.message","sender":"@a:x","room_id":"!r:x","event_id":"$2",` +
		`"content":{"msgtype":"m.image","body":"cat.png"}},` +
		`{"type":"m.room.message","sender":"@a:x","room_id":"!r:x","event_id":"$3",` +
		`"content":{"msgtype":"m.text","body":"no command here"}}]}`
	req := httptest.NewRequest(http.MethodPut, "/_matrix/app/v1/transactions/txn-skip",
		strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	if rr := f.do(req); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(f.chat.bodies) != 0 {
		t.Fatalf("sent %d replies, want 0", len(f.chat.bodies))
	}
}

func TestCircuitOpenReplyHidesInternals(t *testing.T) {
	f := newFixture(t)
	f.breakers.Get(BreakerSystemd).ForceOpen()

	rr := f.do(webhookRequest("!start-agent backend-architect"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	text := replyText(t, rr)
	if !strings.Contains(text, "temporarily unavailable") {
		t.Fatalf("reply = %q", text)
	}
	if strings.Contains(text, "circuit") {
		t.Fatalf("reply leaks breaker detail: %q", text)
	}
}

func TestHealthDegradedWhileBreakerOpen(t *testing.T) {
	f := newFixture(t)

	health := func() (int, healthResponse) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := f.do(req)
		var body healthResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode health: %v", err)
		}
		return rr.Code, body
	}

	code, body := health()
	if code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("healthy: code %d status %q", code, body.Status)
	}

	f.breakers.Get(BreakerIdP).ForceOpen()
	code, body = health()
	if code != http.StatusServiceUnavailable || body.Status != "degraded" {
		t.Fatalf("degraded: code %d status %q", code, body.Status)
	}
	if body.Components[BreakerIdP] != "open" {
		t.Fatalf("components = %v", body.Components)
	}

	f.breakers.Get(BreakerIdP).ForceClosed()
	if code, body = health(); code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("recovered: code %d status %q", code, body.Status)
	}
}

func TestRateLimitedRequestGets429(t *testing.T) {
	f := newFixture(t)

	limiter := ratelimit.New(config.RateLimitConfig{
		RequestsPerMinute: 1,
		BurstSize:         1,
		WindowSize:        time.Minute,
		MinMultiplier:     1.0,
		MaxMultiplier:     1.0,
	})
	f.server.limiter = limiter

	if rr := f.do(webhookRequest("!help")); rr.Code != http.StatusOK {
		t.Fatalf("first status = %d", rr.Code)
	}
	if rr := f.do(webhookRequest("!help")); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := f.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("metrics body missing runtime collectors")
	}
}

func TestIdentityFailureMapsTo401(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.dir.fail = raverr.New(raverr.KindAuthentication, "unknown user")
	})

	rr := f.do(webhookRequest("!help"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if text := replyText(t, rr); !strings.Contains(text, "Authentication failed") {
		t.Fatalf("reply = %q", text)
	}
}

func TestTxnDedupEvictsOldest(t *testing.T) {
	d := newTxnDedup(2)
	if d.Seen("a") || d.Seen("b") {
		t.Fatalf("fresh ids reported seen")
	}
	if !d.Seen("a") {
		t.Fatalf("repeat not detected")
	}
	d.Seen("c") // evicts b
	if d.Seen("b") {
		t.Fatalf("evicted id still reported seen")
	}
}
