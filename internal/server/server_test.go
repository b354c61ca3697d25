package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/vouch/internal/auth"
	"github.com/dukerupert/vouch/internal/config"
	"github.com/dukerupert/vouch/internal/coordinator"
	"github.com/dukerupert/vouch/internal/database"
	"github.com/dukerupert/vouch/internal/model"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "whsec_test"
)

func setupServer(t *testing.T, vars map[string]string) (*Server, *httptest.Server) {
	t.Helper()
	env := map[string]string{"AUTH_JWT_SECRET": testJWTSecret, "FREE_QUOTA": "2"}
	for k, v := range vars {
		env[k] = v
	}
	cfg, err := config.FromMap(env)
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	s, err := New(db, cfg, slog.Default())
	if err != nil {
		db.Close()
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func stripeVars() map[string]string {
	return map[string]string{
		"STRIPE_SECRET_KEY":     "sk_test_unused",
		"STRIPE_WEBHOOK_SECRET": testWebhookSecret,
		"STRIPE_PRICE_ID":       "price_1",
	}
}

func token(t *testing.T, accountID string) string {
	t.Helper()
	v, err := auth.NewVerifier(testJWTSecret, "", "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	tok, err := v.Sign(accountID, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func do(t *testing.T, method, url, bearer string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	_, ts := setupServer(t, nil)

	resp := do(t, "GET", ts.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	_, ts := setupServer(t, nil)

	for _, path := range []string{"/api/entitlement", "/api/testimonials", "/api/payments", "/ws"} {
		resp := do(t, "GET", ts.URL+path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want %d", path, resp.StatusCode, http.StatusUnauthorized)
		}
	}
}

func TestStripeRoutesAbsentWithoutConfig(t *testing.T) {
	_, ts := setupServer(t, nil)

	if resp := do(t, "POST", ts.URL+"/webhooks/stripe", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("webhook: status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if resp := do(t, "POST", ts.URL+"/api/checkout", token(t, "acct_1"), nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("checkout: status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestSubmitVerifyFlow(t *testing.T) {
	_, ts := setupServer(t, nil)
	tok := token(t, "acct_1")
	draft := map[string]any{"original_text": "fine", "enhanced_text": "superb"}

	var sub coordinator.Submission
	for i := 0; i < 2; i++ {
		resp := do(t, "POST", ts.URL+"/api/testimonials", tok, draft)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("submit %d: status = %d, want %d", i, resp.StatusCode, http.StatusCreated)
		}
		json.NewDecoder(resp.Body).Decode(&sub)
	}
	if resp := do(t, "POST", ts.URL+"/api/testimonials", tok, draft); resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("third submit: status = %d, want %d", resp.StatusCode, http.StatusPaymentRequired)
	}

	path := strings.TrimPrefix(sub.VerificationURL, "http://localhost:8080")
	if !strings.HasPrefix(path, "/verify/") {
		t.Fatalf("verification url = %q", sub.VerificationURL)
	}
	apiPath := "/api" + path

	if resp := do(t, "GET", ts.URL+apiPath, "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("lookup: status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp := do(t, "POST", ts.URL+apiPath, "", map[string]bool{"approve": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decide: status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp = do(t, "GET", ts.URL+"/api/testimonials/"+sub.Testimonial.ID, tok, nil)
	var got model.Testimonial
	json.NewDecoder(resp.Body).Decode(&got)
	if got.Status != model.StatusVerified {
		t.Errorf("status = %q, want %q", got.Status, model.StatusVerified)
	}

	if resp := do(t, "GET", ts.URL+"/api/testimonials/"+sub.Testimonial.ID, token(t, "acct_2"), nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign get: status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestVerifyRateLimited(t *testing.T) {
	_, ts := setupServer(t, nil)

	var last int
	for i := 0; i < verifyRateLimit+1; i++ {
		last = do(t, "GET", ts.URL+"/api/verify/unknown", "", nil).StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", last, http.StatusTooManyRequests)
	}
}

func TestWebhookUpgradePushedOverWebSocket(t *testing.T) {
	s, ts := setupServer(t, stripeVars())
	tok := token(t, "acct_1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?access_token="+tok, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(time.Second)
	for s.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	payload, _ := json.Marshal(map[string]any{
		"id":     "evt_1",
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id":                  "cs_1",
			"object":              "checkout.session",
			"client_reference_id": "acct_1",
			"payment_status":      "paid",
			"status":              "complete",
			"amount_total":        1900,
			"currency":            "usd",
		}},
	})
	sig := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret}).Header

	req, _ := http.NewRequest("POST", ts.URL+"/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Type        string            `json:"type"`
		Entitlement model.Entitlement `json:"entitlement"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "entitlement_upgraded" || msg.Entitlement.Plan != model.PlanPremium {
		t.Errorf("message = %+v, want premium upgrade", msg)
	}

	r := do(t, "GET", ts.URL+"/api/entitlement", tok, nil)
	var e model.Entitlement
	json.NewDecoder(r.Body).Decode(&e)
	if e.Plan != model.PlanPremium {
		t.Errorf("plan = %q, want %q", e.Plan, model.PlanPremium)
	}
}

func TestStartAndClose(t *testing.T) {
	cfg, err := config.FromMap(map[string]string{
		"AUTH_JWT_SECRET":       testJWTSecret,
		"STRIPE_SECRET_KEY":     "sk_test_unused",
		"STRIPE_WEBHOOK_SECRET": testWebhookSecret,
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	s, err := New(db, cfg, slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
