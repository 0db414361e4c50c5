package payments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"partner-ledger/internal/billing"
	"partner-ledger/internal/logging"
	"partner-ledger/internal/repo"
	"partner-ledger/migrations"
)

func TestChargeCreatesDeposit(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deposit/create" {
			t.Errorf("path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(raw))
		_, _ = w.Write([]byte(`{"status":"true","message":"ok","data":{"id":"dep-7","reff_id":"entry-1","status":"pending","nominal":"25.00","fee":"0.50"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", APIKey: "key", DefaultMethod: "qris"}, logging.Discard(), nil)
	res, err := c.Charge(context.Background(), billing.ChargeRequest{PartnerID: "P1", Amount: 2500, Method: "manual", IdempotencyKey: "entry-1"})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if res.Reference != "dep-7" || res.Status != repo.StatusPending {
		t.Fatalf("result: %+v", res)
	}
	want := map[string]string{"api_key": "key", "reff_id": "entry-1", "nominal": "25.00", "metode": "qris"}
	for k, v := range want {
		if form.Get(k) != v {
			t.Fatalf("form %s = %q, want %q", k, form.Get(k), v)
		}
	}
}

func TestChargeErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"credential", http.StatusUnauthorized, `invalid api key`, func(err error) bool { return errors.Is(err, ErrInvalidCredential) }},
		{"server", http.StatusBadGateway, `upstream down`, func(err error) bool { return strings.Contains(err.Error(), "status=502") }},
		{"envelope", http.StatusOK, `{"status":false,"message":"method disabled","code":"422"}`, func(err error) bool {
			return strings.Contains(err.Error(), "method disabled (code=422)")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			c := New(Config{BaseURL: srv.URL, APIKey: "key"}, logging.Discard(), nil)
			_, err := c.Charge(context.Background(), billing.ChargeRequest{Amount: 100, IdempotencyKey: "x"})
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	if _, err := New(Config{}, logging.Discard(), nil).Charge(context.Background(), billing.ChargeRequest{Amount: 1}); err == nil {
		t.Fatalf("unconfigured client must refuse to charge")
	}
}

func TestDepositStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.URL.Path != "/deposit/status" || r.PostForm.Get("id") != "dep-7" {
			t.Errorf("unexpected request %s %v", r.URL.Path, r.PostForm)
		}
		_, _ = w.Write([]byte(`{"status":true,"data":[{"id":"dep-7","reff_id":"entry-1","status":"expired","nominal":25000,"fee":"1.25"}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "key"}, logging.Discard(), nil)
	dep, err := c.DepositStatus(context.Background(), "dep-7")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if dep.Reference != "entry-1" || dep.Status != repo.StatusFailed || dep.Amount != 2500000 || dep.Fee != 125 {
		t.Fatalf("deposit: %+v", dep)
	}
	status, err := c.ChargeStatus(context.Background(), "dep-7")
	if err != nil || status != repo.StatusFailed {
		t.Fatalf("charge status: %q %v", status, err)
	}
}

var _ billing.ChargeChecker = (*Client)(nil)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]repo.EntryStatus{
		"success":  repo.StatusCompleted,
		" PAID ":   repo.StatusCompleted,
		"pending":  repo.StatusPending,
		"expired":  repo.StatusFailed,
		"canceled": repo.StatusCancelled,
		"weird":    "",
	}
	for in, want := range cases {
		if got := NormalizeStatus(in); got != want {
			t.Fatalf("NormalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

type pendingGateway struct{}

func (pendingGateway) Charge(_ context.Context, req billing.ChargeRequest) (billing.ChargeResult, error) {
	return billing.ChargeResult{Reference: "dep-" + req.IdempotencyKey, Status: repo.StatusPending}, nil
}

func TestWebhookSettlesPendingRecharge(t *testing.T) {
	ctx := context.Background()
	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "payments.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.SQLite()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	svc := billing.New(store, logging.Discard(), billing.Options{Gateway: pendingGateway{}})

	entry, balance, err := svc.Recharge(ctx, billing.RechargeInput{PartnerID: "P1", Amount: 5000, Method: "qris"})
	if err != nil || entry.Status != repo.StatusPending || balance != 0 {
		t.Fatalf("recharge: %+v %d %v", entry, balance, err)
	}

	h := NewWebhookHandler(logging.Discard(), nil, md5Hex("provider"), md5Hex("hunter2"), svc)
	send := func(user, pass, body string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook/payments", strings.NewReader(body))
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	success := `{"event":"deposit","data":{"id":"dep-1","reff_id":"` + entry.ID + `","status":"success"}}`

	cases := []struct {
		name       string
		user, pass string
		body       string
		want       int
	}{
		{"no auth", "", "", success, http.StatusUnauthorized},
		{"wrong password", "provider", "nope", success, http.StatusUnauthorized},
		{"bad json", "provider", "hunter2", `{`, http.StatusBadRequest},
		{"unknown status", "provider", "hunter2", `{"data":{"reff_id":"` + entry.ID + `","status":"weird"}}`, http.StatusBadRequest},
		{"still pending", "provider", "hunter2", `{"data":{"reff_id":"` + entry.ID + `","status":"pending"}}`, http.StatusOK},
		{"unknown reference", "provider", "hunter2", `{"data":{"reff_id":"missing","status":"success"}}`, http.StatusOK},
		{"success", "provider", "hunter2", success, http.StatusOK},
		{"replay", "provider", "hunter2", success, http.StatusOK},
		{"late failure", "provider", "hunter2", `{"data":{"reff_id":"` + entry.ID + `","status":"failed"}}`, http.StatusOK},
	}
	for _, tc := range cases {
		if got := send(tc.user, tc.pass, tc.body); got != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.name, got, tc.want)
		}
	}

	check, err := svc.VerifyBalance(ctx, "P1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if check.Balance != 5000 || !check.Consistent {
		t.Fatalf("balance after settlement: %+v", check)
	}
	settled, err := store.GetEntry(ctx, entry.ID)
	if err != nil || settled.Status != repo.StatusCompleted {
		t.Fatalf("entry: %+v %v", settled, err)
	}
}
