package notify

import (
	"context"
	"crypto/hmac"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"partner-ledger/internal/billing"
	"partner-ledger/internal/logging"
	"partner-ledger/internal/repo"
)

// verifySignature checks an X-Signature header the way a partner endpoint does.
func verifySignature(secret, timestamp string, body []byte, header string) bool {
	got, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(got), []byte(Sign(secret, timestamp, body)))
}

type memoryLogs struct {
	mu   sync.Mutex
	logs []repo.WebhookLog
}

func (m *memoryLogs) InsertWebhookLog(_ context.Context, l repo.WebhookLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, l)
	return nil
}

func newNotifier(store LogStore, sleeps *[]time.Duration) *Notifier {
	return New(Config{
		Timeout: time.Second,
		Clock:   func() time.Time { return time.Unix(1767225600, 0) },
		Sleep: func(_ context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		},
	}, store, logging.Discard(), nil)
}

func TestNotifyConversionSignsBody(t *testing.T) {
	var (
		header http.Header
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	logs := &memoryLogs{}
	var sleeps []time.Duration
	n := newNotifier(logs, &sleeps)
	cfg := repo.WebhookConfig{Endpoint: srv.URL + "/hook?token=x", Secret: "whsec", SecretID: "k1", Enabled: true}
	err := n.NotifyConversion(context.Background(), cfg, billing.ConversionEvent{
		ConversionID: "c1", PartnerID: "P1", NetworkTxnID: "t1", Status: "approved", Commission: 1000, Currency: "USD", Created: true,
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	if header.Get("X-Signature-Timestamp") != "1767225600" || header.Get("X-Secret-Id") != "k1" {
		t.Fatalf("headers: %v", header)
	}
	if !verifySignature("whsec", "1767225600", body, header.Get("X-Signature")) {
		t.Fatalf("signature does not verify: %s", header.Get("X-Signature"))
	}
	if verifySignature("other", "1767225600", body, header.Get("X-Signature")) {
		t.Fatalf("signature must depend on the secret")
	}
	if verifySignature("whsec", "1767225601", body, header.Get("X-Signature")) {
		t.Fatalf("signature must cover the timestamp")
	}
	if verifySignature("whsec", "1767225600", append([]byte(" "), body...), header.Get("X-Signature")) {
		t.Fatalf("signature must cover the body")
	}

	if len(logs.logs) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(logs.logs))
	}
	l := logs.logs[0]
	if l.Direction != repo.DirectionOutbound || l.StatusCode != http.StatusAccepted || l.Error != nil {
		t.Fatalf("audit row: %+v", l)
	}
	if l.Endpoint != srv.URL+"/hook" {
		t.Fatalf("endpoint query must be stripped: %s", l.Endpoint)
	}
	if l.RequestID != header.Get("X-Request-Id") {
		t.Fatalf("request id mismatch")
	}
}

func TestNotifyConversionRetries(t *testing.T) {
	cases := []struct {
		name     string
		statuses []int
		retryMax int
		wantErr  bool
		wantHits int
	}{
		{"recovers after 5xx", []int{500, 503, 200}, 3, false, 3},
		{"gives up after retry budget", []int{500, 500, 500, 500}, 2, true, 3},
		{"client error is final", []int{400, 200}, 3, true, 1},
		{"rate limited is retried", []int{429, 204}, 1, false, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var mu sync.Mutex
			hits := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				status := tc.statuses[hits]
				hits++
				mu.Unlock()
				w.WriteHeader(status)
			}))
			defer srv.Close()

			logs := &memoryLogs{}
			var sleeps []time.Duration
			n := newNotifier(logs, &sleeps)
			cfg := repo.WebhookConfig{Endpoint: srv.URL, Secret: "s", RetryMax: tc.retryMax, RetryBackoffMS: 100}
			err := n.NotifyConversion(context.Background(), cfg, billing.ConversionEvent{PartnerID: "P1"})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tc.wantErr)
			}
			if hits != tc.wantHits || len(logs.logs) != tc.wantHits {
				t.Fatalf("hits=%d logs=%d, want %d", hits, len(logs.logs), tc.wantHits)
			}
			for i, d := range sleeps {
				if d != time.Duration(i+1)*100*time.Millisecond {
					t.Fatalf("backoff %d = %s", i, d)
				}
			}
		})
	}
}

func TestNotifyConversionRequiresConfig(t *testing.T) {
	var sleeps []time.Duration
	n := newNotifier(nil, &sleeps)
	if err := n.NotifyConversion(context.Background(), repo.WebhookConfig{Endpoint: "http://x"}, billing.ConversionEvent{}); err == nil {
		t.Fatalf("missing secret must fail")
	}
}
