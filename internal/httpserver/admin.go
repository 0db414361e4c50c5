package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"partner-ledger/internal/billing"
	"partner-ledger/internal/metrics"
	"partner-ledger/internal/money"
	"partner-ledger/internal/repo"
)

const (
	maxPageSize     = 1000
	maxRequestBytes = 1 << 20
)

type ctxKey int

const requestIDKey ctxKey = iota

// Admin serves the operator API under /admin.
type Admin struct {
	svc     *billing.Service
	logger  *slog.Logger
	metrics *metrics.Metrics
	token   string
}

// NewAdmin builds the admin router. An empty token disables authentication.
func NewAdmin(svc *billing.Service, token string, logger *slog.Logger, metricRegistry *metrics.Metrics) http.Handler {
	a := &Admin{
		svc:     svc,
		logger:  logger.With("component", "admin"),
		metrics: metricRegistry,
		token:   token,
	}
	if token == "" {
		a.logger.Warn("admin API token not configured, admin routes are unauthenticated")
	}

	r := mux.NewRouter()
	r.Use(a.requestID, a.instrument, a.authenticate)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/webhook-logs", a.listWebhookLogs).Methods(http.MethodGet)

	p := admin.PathPrefix("/partners/{partnerID}").Subrouter()
	p.HandleFunc("/invoices", a.generateInvoice).Methods(http.MethodPost)
	p.HandleFunc("/invoices", a.listInvoices).Methods(http.MethodGet)
	p.HandleFunc("/invoices/{invoiceID}/cancel", a.cancelInvoice).Methods(http.MethodPost)
	p.HandleFunc("/invoices/{invoiceID}/mark-paid", a.markInvoicePaid).Methods(http.MethodPost)
	p.HandleFunc("/payouts", a.generatePayout).Methods(http.MethodPost)
	p.HandleFunc("/payouts/{payoutID}/cancel", a.cancelPayout).Methods(http.MethodPost)
	p.HandleFunc("/payouts/{payoutID}/mark-paid", a.markPayoutPaid).Methods(http.MethodPost)
	p.HandleFunc("/conversions", a.listConversions).Methods(http.MethodGet)
	p.HandleFunc("/conversions/{conversionID}/{action}", a.conversionAction).Methods(http.MethodPost)
	p.HandleFunc("/clicks", a.listClicks).Methods(http.MethodGet)
	p.HandleFunc("/clicks", a.recordCpcClick).Methods(http.MethodPost)
	p.HandleFunc("/affiliate-clicks", a.listAffiliateClicks).Methods(http.MethodGet)
	p.HandleFunc("/affiliate-clicks", a.recordAffiliateClick).Methods(http.MethodPost)
	p.HandleFunc("/affiliate-clicks/{clickID}/review", a.reviewAffiliateClick).Methods(http.MethodPost)
	p.HandleFunc("/ledger", a.listLedger).Methods(http.MethodGet)
	p.HandleFunc("/webhook-logs", a.listWebhookLogs).Methods(http.MethodGet)
	p.HandleFunc("/settings", a.getSettings).Methods(http.MethodGet)
	p.HandleFunc("/settings", a.putSettings).Methods(http.MethodPut)
	p.HandleFunc("/link", a.trackingLink).Methods(http.MethodGet)
	p.HandleFunc("/summary", a.summary).Methods(http.MethodGet)
	p.HandleFunc("/stats", a.stats).Methods(http.MethodGet)
	p.HandleFunc("/balance/verify", a.verifyBalance).Methods(http.MethodGet)
	p.HandleFunc("/recharge", a.recharge).Methods(http.MethodPost)
	p.HandleFunc("/recharges/{entryID}/refresh", a.refreshRecharge).Methods(http.MethodPost)
	return r
}

// Middleware

func (a *Admin) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *Admin) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if a.metrics == nil {
			return
		}
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		a.metrics.AdminRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		a.metrics.AdminLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (a *Admin) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(a.token)) != 1 {
				a.fail(w, r, billing.ErrUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Responses

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	respond(w, status, errorBody{Error: code, Message: msg})
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// fail maps the billing error taxonomy onto HTTP.
func (a *Admin) fail(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, billing.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, billing.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrNothingToInvoice):
		status, code = http.StatusBadRequest, "nothing_to_invoice"
	case errors.Is(err, billing.ErrBelowThreshold):
		status, code = http.StatusBadRequest, "below_threshold"
	case errors.Is(err, billing.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, billing.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, billing.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	default:
		rid, _ := r.Context().Value(requestIDKey).(string)
		a.logger.Error("admin request failed", "request_id", rid, "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	writeError(w, status, code, err.Error())
}

func (a *Admin) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// Listing helpers

type listQuery struct {
	filter repo.ListFilter
	csv    bool
}

func (a *Admin) parseList(r *http.Request, partnerID string) (listQuery, error) {
	q := r.URL.Query()
	window, err := billing.ParseWindow(q.Get("range"), q.Get("from"), q.Get("to"), a.svc.Now())
	if err != nil {
		return listQuery{}, err
	}
	out := listQuery{
		filter: repo.ListFilter{PartnerID: partnerID, From: window.From, To: window.To},
		csv:    strings.EqualFold(q.Get("format"), "csv"),
	}
	if raw := q.Get("page"); raw != "" {
		if out.filter.Page, err = strconv.Atoi(raw); err != nil || out.filter.Page < 1 {
			return listQuery{}, fmt.Errorf("%w: page must be a positive integer", billing.ErrInvalidArgument)
		}
	}
	if raw := q.Get("pageSize"); raw != "" {
		if out.filter.PageSize, err = strconv.Atoi(raw); err != nil || out.filter.PageSize < 1 {
			return listQuery{}, fmt.Errorf("%w: pageSize must be a positive integer", billing.ErrInvalidArgument)
		}
	}
	switch {
	case out.csv && out.filter.PageSize == 0:
		out.filter.PageSize = repo.MaxPageSize
	case out.filter.PageSize > maxPageSize && !out.csv:
		out.filter.PageSize = maxPageSize
	}
	return out, nil
}

func parseBool(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid boolean %q", billing.ErrInvalidArgument, raw)
	}
	return &v, nil
}

type listBody struct {
	Items    []any  `json:"items"`
	Total    int64  `json:"total"`
	Sum      amount `json:"sum"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

func writeList[T any](a *Admin, w http.ResponseWriter, q listQuery, page *repo.Page[T], kind string, header []string, row func(T) []string, view func(T) any) {
	if q.csv {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+csvFilename(kind, a.svc.Now())+`"`)
		w.Header().Set("X-Total-Count", strconv.FormatInt(page.Total, 10))
		cw := csv.NewWriter(w)
		_ = cw.Write(header)
		for _, item := range page.Items {
			_ = cw.Write(row(item))
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			a.logger.Warn("csv export interrupted", "kind", kind, "error", err)
		}
		return
	}
	items := make([]any, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, view(item))
	}
	respond(w, http.StatusOK, listBody{Items: items, Total: page.Total, Sum: minor(page.Sum), Page: page.Page, PageSize: page.PageSize})
}

func partnerID(r *http.Request) string {
	return mux.Vars(r)["partnerID"]
}

// Invoices and payouts

type invoiceRequest struct {
	Range string `json:"range"`
	From  string `json:"from"`
	To    string `json:"to"`
}

func (a *Admin) generateInvoice(w http.ResponseWriter, r *http.Request) {
	var req invoiceRequest
	if !a.decode(w, r, &req) {
		return
	}
	window, err := billing.ParseWindow(req.Range, req.From, req.To, a.svc.Now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	inv, err := a.svc.GenerateInvoice(r.Context(), partnerID(r), window)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{
		"invoice_id":       inv.ID,
		"invoice_number":   inv.Number,
		"amount":           minor(inv.Amount),
		"amount_minor":     inv.Amount,
		"status":           inv.Status,
		"conversion_count": len(inv.ConversionIDs),
		"created_at":       inv.CreatedAt,
	})
}

func (a *Admin) listInvoices(w http.ResponseWriter, r *http.Request) {
	a.listEntriesOf(w, r, repo.EntryInvoice, "invoices")
}

func (a *Admin) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	entry, released, err := a.svc.CancelInvoice(r.Context(), partnerID(r), mux.Vars(r)["invoiceID"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"entry": newEntryView(*entry), "released_conversions": released})
}

type markPaidRequest struct {
	Amount *amount `json:"amount"`
	Method string  `json:"method"`
}

func (a *Admin) markInvoicePaid(w http.ResponseWriter, r *http.Request) {
	var req markPaidRequest
	if !a.decode(w, r, &req) {
		return
	}
	var expected *int64
	if req.Amount != nil && req.Amount.set {
		expected = &req.Amount.minor
	}
	entry, err := a.svc.MarkInvoicePaid(r.Context(), partnerID(r), mux.Vars(r)["invoiceID"], expected, req.Method)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, newEntryView(*entry))
}

func (a *Admin) generatePayout(w http.ResponseWriter, r *http.Request) {
	payout, err := a.svc.GeneratePayout(r.Context(), partnerID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{
		"payout_id":        payout.ID,
		"amount":           minor(payout.Amount),
		"amount_minor":     payout.Amount,
		"threshold":        minor(payout.Threshold),
		"status":           payout.Status,
		"conversion_count": len(payout.ConversionIDs),
		"created_at":       payout.CreatedAt,
	})
}

func (a *Admin) cancelPayout(w http.ResponseWriter, r *http.Request) {
	entry, released, err := a.svc.CancelPayout(r.Context(), partnerID(r), mux.Vars(r)["payoutID"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"entry": newEntryView(*entry), "released_conversions": released})
}

func (a *Admin) markPayoutPaid(w http.ResponseWriter, r *http.Request) {
	var req markPaidRequest
	if !a.decode(w, r, &req) {
		return
	}
	entry, err := a.svc.MarkPayoutPaid(r.Context(), partnerID(r), mux.Vars(r)["payoutID"], req.Method)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, newEntryView(*entry))
}

// Conversions

func (a *Admin) conversionAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, err := billing.ParseAction(vars["action"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req struct {
		InvoiceID string `json:"invoice_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	conv, err := a.svc.ApplyAction(r.Context(), partnerID(r), vars["conversionID"], action, req.InvoiceID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, newConversionView(*conv))
}

func (a *Admin) listConversions(w http.ResponseWriter, r *http.Request) {
	q, err := a.parseList(r, partnerID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	billed, err := parseBool(r.URL.Query().Get("billed"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	page, err := a.svc.Repository().ListConversions(r.Context(), repo.ConversionFilter{
		ListFilter: q.filter,
		Status:     repo.ConversionStatus(r.URL.Query().Get("status")),
		RefCode:    r.URL.Query().Get("ref_code"),
		Billed:     billed,
		Search:     r.URL.Query().Get("q"),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeList(a, w, q, page, "conversions", conversionHeader, conversionRow, func(c repo.Conversion) any { return newConversionView(c) })
}

// Clicks

type cpcClickRequest struct {
	MonetizableType string `json:"monetizable_type"`
	MonetizableID   string `json:"monetizable_id"`
	CostPerClick    amount `json:"cost_per_click"`
	Valid           *bool  `json:"valid"`
	InvalidReason   string `json:"invalid_reason"`
}

func (a *Admin) recordCpcClick(w http.ResponseWriter, r *http.Request) {
	var req cpcClickRequest
	if !a.decode(w, r, &req) {
		return
	}
	valid := req.Valid == nil || *req.Valid
	click, err := a.svc.RecordCpcClick(r.Context(), billing.CpcClickInput{
		PartnerID:       partnerID(r),
		MonetizableType: req.MonetizableType,
		MonetizableID:   req.MonetizableID,
		CostPerClick:    req.CostPerClick.minor,
		Valid:           valid,
		InvalidReason:   req.InvalidReason,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, newClickView(*click))
}

func (a *Admin) listClicks(w http.ResponseWriter, r *http.Request) {
	q, err := a.parseList(r, partnerID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	valid, err := parseBool(r.URL.Query().Get("valid"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	page, err := a.svc.Repository().ListClicks(r.Context(), repo.ClickFilter{
		ListFilter:      q.filter,
		Valid:           valid,
		MonetizableType: r.URL.Query().Get("monetizable_type"),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeList(a, w, q, page, "clicks", clickHeader, clickRow, func(c repo.Click) any { return newClickView(c) })
}

type affiliateClickRequest struct {
	RefCode       string `json:"ref_code"`
	SessionID     string `json:"session_id"`
	ClientID      string `json:"client_id"`
	SessionNumber int64  `json:"session_number"`
	IP            string `json:"ip"`
	UserAgent     string `json:"user_agent"`
	Referrer      string `json:"referrer"`
	Country       string `json:"country"`
}

func (a *Admin) recordAffiliateClick(w http.ResponseWriter, r *http.Request) {
	var req affiliateClickRequest
	if !a.decode(w, r, &req) {
		return
	}
	click, err := a.svc.RecordAffiliateClick(r.Context(), billing.AffiliateClickInput{
		PartnerID:     partnerID(r),
		RefCode:       req.RefCode,
		SessionID:     req.SessionID,
		ClientID:      req.ClientID,
		SessionNumber: req.SessionNumber,
		IP:            req.IP,
		UserAgent:     req.UserAgent,
		Referrer:      req.Referrer,
		Country:       req.Country,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, newAffiliateClickView(*click))
}

func (a *Admin) listAffiliateClicks(w http.ResponseWriter, r *http.Request) {
	q, err := a.parseList(r, partnerID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	valid, err := parseBool(r.URL.Query().Get("valid"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	page, err := a.svc.Repository().ListAffiliateClicks(r.Context(), repo.AffiliateClickFilter{
		ListFilter: q.filter,
		RefCode:    r.URL.Query().Get("ref_code"),
		Valid:      valid,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeList(a, w, q, page, "affiliate-clicks", affiliateClickHeader, affiliateClickRow, func(c repo.AffiliateClick) any { return newAffiliateClickView(c) })
}

func (a *Admin) reviewAffiliateClick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Valid       *bool  `json:"valid"`
		FraudReason string `json:"fraud_reason"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if req.Valid == nil {
		a.fail(w, r, fmt.Errorf("%w: valid is required", billing.ErrInvalidArgument))
		return
	}
	click, err := a.svc.ReviewAffiliateClick(r.Context(), partnerID(r), mux.Vars(r)["clickID"], *req.Valid, req.FraudReason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, newAffiliateClickView(*click))
}

// Ledger and audit

func (a *Admin) listLedger(w http.ResponseWriter, r *http.Request) {
	a.listEntriesOf(w, r, repo.EntryType(r.URL.Query().Get("type")), "ledger")
}

func (a *Admin) listEntriesOf(w http.ResponseWriter, r *http.Request, typ repo.EntryType, kind string) {
	if typ != "" && !typ.Valid() {
		a.fail(w, r, fmt.Errorf("%w: unknown entry type %q", billing.ErrInvalidArgument, typ))
		return
	}
	q, err := a.parseList(r, partnerID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	page, err := a.svc.Repository().ListEntries(r.Context(), repo.EntryFilter{
		ListFilter: q.filter,
		Type:       typ,
		Status:     repo.EntryStatus(r.URL.Query().Get("status")),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeList(a, w, q, page, kind, entryHeader, entryRow, func(e repo.LedgerEntry) any { return newEntryView(e) })
}

func (a *Admin) listWebhookLogs(w http.ResponseWriter, r *http.Request) {
	q, err := a.parseList(r, partnerID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	filter := repo.WebhookLogFilter{
		ListFilter: q.filter,
		Direction:  r.URL.Query().Get("direction"),
		Search:     r.URL.Query().Get("q"),
	}
	if raw := r.URL.Query().Get("status_code"); raw != "" {
		if filter.StatusCode, err = strconv.Atoi(raw); err != nil {
			a.fail(w, r, fmt.Errorf("%w: invalid status_code", billing.ErrInvalidArgument))
			return
		}
	}
	page, err := a.svc.Repository().ListWebhookLogs(r.Context(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeList(a, w, q, page, "webhook-logs", webhookLogHeader, webhookLogRow, func(l repo.WebhookLog) any { return newWebhookLogView(l) })
}

// Settings and links

func (a *Admin) getSettings(w http.ResponseWriter, r *http.Request) {
	acct, err := a.svc.Settings(r.Context(), partnerID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, newSettingsBody(acct, billing.SecretMask))
}

func (a *Admin) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsBody
	if !a.decode(w, r, &req) {
		return
	}
	acct, err := a.svc.UpdateSettings(r.Context(), partnerID(r), req.settings())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, newSettingsBody(acct, billing.SecretMask))
}

func (a *Admin) trackingLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	link, err := a.svc.TrackingLink(r.Context(), partnerID(r), billing.LinkInput{
		Domain:     q.Get("domain"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		RefCode:    q.Get("ref_code"),
		Sub1:       q.Get("sub1"),
		Sub2:       q.Get("sub2"),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"url": link})
}

// Reporting

func (a *Admin) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := a.svc.Summary(r.Context(), partnerID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	recent := make([]entryView, 0, len(sum.Recent))
	for _, e := range sum.Recent {
		recent = append(recent, newEntryView(e))
	}
	var last *entryView
	if sum.LastRecharge != nil {
		v := newEntryView(*sum.LastRecharge)
		last = &v
	}
	respond(w, http.StatusOK, map[string]any{
		"partner_id":        sum.PartnerID,
		"balance":           minor(sum.Balance),
		"payable_affiliate": minor(sum.PayableAffiliate),
		"unpaid_invoices": map[string]any{
			"amount": minor(sum.UnpaidInvoices.Amount),
			"count":  sum.UnpaidInvoices.Count,
		},
		"last_recharge":   last,
		"total_deposited": minor(sum.TotalDeposited),
		"spent_30d":       minor(sum.Spent30d),
		"timeline":        sum.Timeline,
		"recent":          recent,
	})
}

func (a *Admin) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Stats(r.Context(), partnerID(r), r.URL.Query().Get("range"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

func (a *Admin) verifyBalance(w http.ResponseWriter, r *http.Request) {
	check, err := a.svc.VerifyBalance(r.Context(), partnerID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"partner_id":   check.PartnerID,
		"balance":      minor(check.Balance),
		"ledger_total": minor(check.LedgerTotal),
		"consistent":   check.Consistent,
	})
}

func (a *Admin) recharge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount      amount `json:"amount"`
		Method      string `json:"method"`
		Description string `json:"description"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if !req.Amount.set {
		a.fail(w, r, fmt.Errorf("%w: amount is required", billing.ErrInvalidArgument))
		return
	}
	entry, balance, err := a.svc.Recharge(r.Context(), billing.RechargeInput{
		PartnerID:   partnerID(r),
		Amount:      req.Amount.minor,
		Method:      req.Method,
		Description: req.Description,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{
		"entry":   newEntryView(*entry),
		"balance": money.Format(balance),
	})
}

func (a *Admin) refreshRecharge(w http.ResponseWriter, r *http.Request) {
	entry, balance, err := a.svc.RefreshRecharge(r.Context(), partnerID(r), mux.Vars(r)["entryID"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"entry":   newEntryView(*entry),
		"balance": money.Format(balance),
	})
}
