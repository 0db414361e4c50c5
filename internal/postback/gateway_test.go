package postback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"partner-ledger/internal/billing"
	"partner-ledger/internal/logging"
	"partner-ledger/internal/repo"
	"partner-ledger/migrations"
)

func newStore(t *testing.T) repo.Repository {
	t.Helper()
	ctx := context.Background()
	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "postback.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.SQLite()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

type inlineDispatcher struct{}

func (inlineDispatcher) Go(_ string, job func(ctx context.Context)) bool {
	job(context.Background())
	return true
}

func newGateway(t *testing.T, secrets Secrets) (*Gateway, repo.Repository) {
	t.Helper()
	store := newStore(t)
	svc := billing.New(store, logging.Discard(), billing.Options{Dispatcher: inlineDispatcher{}})
	return New(secrets, svc, store, logging.Discard(), nil), store
}

const body = `{"partner_id":"P1","offer_id":"o1","click_id":"c1","network_txn_id":"txn-1","status":"approved","payout_value_minor":1500,"currency":"usd","raw":{"sub":"x"}}`

func post(h http.Handler, payload string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/postback", strings.NewReader(payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func logs(t *testing.T, store repo.Repository) []repo.WebhookLog {
	t.Helper()
	page, err := store.ListWebhookLogs(context.Background(), repo.WebhookLogFilter{Direction: repo.DirectionInbound})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	return page.Items
}

func TestDualSecretAuthentication(t *testing.T) {
	secrets := Secrets{Primary: "primary-secret", Secondary: "secondary-secret"}
	cases := []struct {
		name       string
		secret     string
		secretID   string
		wantStatus int
		wantID     string
	}{
		{"secondary by name", "secondary-secret", "secondary", http.StatusOK, SecretSecondary},
		{"secondary by number", "secondary-secret", "2", http.StatusOK, SecretSecondary},
		{"primary by number", "primary-secret", "1", http.StatusOK, SecretPrimary},
		{"no id falls through to secondary", "secondary-secret", "", http.StatusOK, SecretSecondary},
		{"no id matches primary", "primary-secret", "", http.StatusOK, SecretPrimary},
		{"primary secret under secondary id", "primary-secret", "secondary", http.StatusUnauthorized, SecretSecondary},
		{"stale secret under primary id", "old-secret", "primary", http.StatusUnauthorized, SecretPrimary},
		{"stale secret without id", "old-secret", "", http.StatusUnauthorized, ""},
		{"unknown id", "primary-secret", "3", http.StatusUnauthorized, ""},
		{"missing secret", "", "", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, store := newGateway(t, secrets)
			headers := map[string]string{HeaderSecret: tc.secret, HeaderTimestamp: "1767225600"}
			if tc.secretID != "" {
				headers[HeaderSecretID] = tc.secretID
			}
			rec := post(g, body, headers)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status %d, want %d: %s", rec.Code, tc.wantStatus, rec.Body.String())
			}

			rows := logs(t, store)
			if len(rows) != 1 {
				t.Fatalf("expected one audit row, got %d", len(rows))
			}
			l := rows[0]
			if l.RequestID == "" || l.RequestID != rec.Header().Get(HeaderRequestID) {
				t.Fatalf("request id not echoed: %q vs %q", l.RequestID, rec.Header().Get(HeaderRequestID))
			}
			if l.SignatureValid == nil || *l.SignatureValid != (tc.wantStatus == http.StatusOK) {
				t.Fatalf("signature_valid: %v", l.SignatureValid)
			}
			gotID := ""
			if l.SecretID != nil {
				gotID = *l.SecretID
			}
			if gotID != tc.wantID {
				t.Fatalf("secret id %q, want %q", gotID, tc.wantID)
			}
			if l.SignatureTimestamp == nil || *l.SignatureTimestamp != "1767225600" {
				t.Fatalf("signature timestamp: %v", l.SignatureTimestamp)
			}
			if strings.Contains(l.PayloadHash, "secret") || len(l.PayloadHash) != 64 {
				t.Fatalf("payload hash: %q", l.PayloadHash)
			}

			convs, _ := store.ListConversions(context.Background(), repo.ConversionFilter{ListFilter: repo.ListFilter{PartnerID: "P1"}})
			wantRows := int64(0)
			if tc.wantStatus == http.StatusOK {
				wantRows = 1
			}
			if convs.Total != wantRows {
				t.Fatalf("conversions %d, want %d", convs.Total, wantRows)
			}
			if tc.wantStatus == http.StatusUnauthorized && strings.TrimSpace(rec.Body.String()) != `{"error":"unauthorized"}` {
				t.Fatalf("body: %s", rec.Body.String())
			}
		})
	}
}

func TestPostbackIsIdempotent(t *testing.T) {
	g, store := newGateway(t, Secrets{})
	for i := 0; i < 3; i++ {
		rec := post(g, body, nil)
		if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
			t.Fatalf("delivery %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}
	reversed := strings.Replace(body, `"approved"`, `"reversed"`, 1)
	if rec := post(g, reversed, nil); rec.Code != http.StatusOK {
		t.Fatalf("status update: %d", rec.Code)
	}

	convs, err := store.ListConversions(context.Background(), repo.ConversionFilter{ListFilter: repo.ListFilter{PartnerID: "P1"}})
	if err != nil || convs.Total != 1 {
		t.Fatalf("expected one row, got %+v %v", convs, err)
	}
	c := convs.Items[0]
	if c.Status != repo.ConversionReversed || c.Commission != 1500 || c.Currency != "USD" || string(c.RawPayload) != `{"sub":"x"}` {
		t.Fatalf("unexpected conversion: %+v", c)
	}

	rows := logs(t, store)
	if len(rows) != 4 {
		t.Fatalf("every call is audited, got %d rows", len(rows))
	}
	for _, l := range rows {
		if l.SignatureValid != nil || l.SecretID != nil {
			t.Fatalf("open mode must not claim a verified secret: %+v", l)
		}
		if l.PartnerID == nil || *l.PartnerID != "P1" {
			t.Fatalf("partner id missing from audit row")
		}
	}
}

func TestPostbackRejectsInvalidPayload(t *testing.T) {
	g, store := newGateway(t, Secrets{})
	g.now = func() time.Time { return time.UnixMilli(1767225600000) }
	cases := []string{
		`not json`,
		`{"partner_id":"P1","payout_value_minor":10}`,
		`{"network_txn_id":"t","payout_value_minor":10}`,
		`{"partner_id":"P1","network_txn_id":"t"}`,
		`{"partner_id":"P1","network_txn_id":"t","payout_value_minor":-5}`,
		`{"partner_id":"P1","network_txn_id":"t","payout_value_minor":5,"status":"bogus"}`,
		`{"partner_id":"P1","network_txn_id":"t","payout_value_minor":5,"timestamp":1767000000000}`,
	}
	for _, payload := range cases {
		rec := post(g, payload, nil)
		if rec.Code != http.StatusBadRequest || strings.TrimSpace(rec.Body.String()) != `{"error":"invalid payload"}` {
			t.Fatalf("%s: %d %s", payload, rec.Code, rec.Body.String())
		}
	}
	if rows := logs(t, store); len(rows) != len(cases) {
		t.Fatalf("expected %d audit rows, got %d", len(cases), len(rows))
	}

	fresh := `{"partner_id":"P1","network_txn_id":"t","payout_value_minor":5,"timestamp":1767225000000}`
	if rec := post(g, fresh, nil); rec.Code != http.StatusOK {
		t.Fatalf("fresh timestamp: %d %s", rec.Code, rec.Body.String())
	}
}

type failingRecorder struct{}

func (failingRecorder) RecordConversion(context.Context, billing.ConversionInput) (*repo.Conversion, bool, error) {
	return nil, false, errors.New("database is down")
}

func TestPostbackStorageFailure(t *testing.T) {
	store := newStore(t)
	g := New(Secrets{Primary: "p"}, failingRecorder{}, store, logging.Discard(), nil)
	rec := post(g, body, map[string]string{HeaderSecret: "p"})
	if rec.Code != http.StatusInternalServerError || strings.TrimSpace(rec.Body.String()) != `{"error":"internal"}` {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	rows := logs(t, store)
	if len(rows) != 1 || rows[0].Error == nil || rows[0].StatusCode != http.StatusInternalServerError {
		t.Fatalf("failure must be audited: %+v", rows)
	}
}

func TestHealthUsesSameAuth(t *testing.T) {
	g, store := newGateway(t, Secrets{Primary: "p", Secondary: "s"})

	req := httptest.NewRequest(http.MethodGet, "/webhook/health", nil)
	req.Header.Set(HeaderSecret, "s")
	rec := httptest.NewRecorder()
	g.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["secret_id"] != SecretSecondary {
		t.Fatalf("health response: %v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/webhook/health", nil)
	req.Header.Set(HeaderSecret, "nope")
	rec = httptest.NewRecorder()
	g.Health(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad probe: %d", rec.Code)
	}
	if rows := logs(t, store); len(rows) != 1 || *rows[0].SignatureValid {
		t.Fatalf("rejected probe must be audited")
	}
}
