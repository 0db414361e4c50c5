package billing

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"partner-ledger/internal/repo"
)

// SecretMask replaces a stored webhook secret on read. Submitting it back
// keeps the stored secret.
const SecretMask = "********"

const maxWebhookRetries = 10

// Settings returns the partner's account, creating it on first access.
func (s *Service) Settings(ctx context.Context, partnerID string) (*repo.BillingAccount, error) {
	if partnerID == "" {
		return nil, invalidf("partner_id is required")
	}
	acct, err := s.repo.EnsureAccount(ctx, partnerID, s.Now())
	if err != nil {
		return nil, translate(err)
	}
	return acct, nil
}

// UpdateSettings validates and stores the partner's limits and typed configs.
func (s *Service) UpdateSettings(ctx context.Context, partnerID string, in repo.AccountSettings) (*repo.BillingAccount, error) {
	current, err := s.Settings(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	if in.Webhook.Secret == "" || in.Webhook.Secret == SecretMask {
		in.Webhook.Secret = current.Webhook.Secret
	}
	if err := normaliseSettings(&in); err != nil {
		return nil, err
	}
	acct, err := s.repo.UpdateAccountSettings(ctx, partnerID, in, s.Now())
	if err != nil {
		s.countError("settings")
		return nil, translate(err)
	}
	s.logger.Info("account settings updated", "partner_id", partnerID, "webhook_enabled", acct.Webhook.Enabled)
	return acct, nil
}

func normaliseSettings(in *repo.AccountSettings) error {
	for name, v := range map[string]int64{
		"auto_recharge_threshold":     in.AutoRechargeThreshold,
		"auto_recharge_amount":        in.AutoRechargeAmount,
		"daily_spend_limit":           in.DailySpendLimit,
		"monthly_spend_limit":         in.MonthlySpendLimit,
		"affiliate_billing_threshold": in.AffiliateBillingThreshold,
	} {
		if v < 0 {
			return invalidf("%s must not be negative", name)
		}
	}
	if in.AutoRechargeEnabled && in.AutoRechargeAmount <= 0 {
		return invalidf("auto_recharge_amount is required when auto-recharge is enabled")
	}

	wh := &in.Webhook
	wh.Endpoint = strings.TrimSpace(wh.Endpoint)
	if wh.Enabled {
		if wh.Endpoint == "" {
			return invalidf("webhook endpoint is required when enabled")
		}
		if wh.Secret == "" {
			return invalidf("webhook secret is required when enabled")
		}
	}
	if wh.Endpoint != "" {
		u, err := url.Parse(wh.Endpoint)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return invalidf("webhook endpoint must be an absolute http(s) URL")
		}
	}
	if wh.Signature == "" {
		wh.Signature = "hmac-sha256"
	}
	if wh.Signature != "hmac-sha256" {
		return invalidf("unsupported webhook signature %q", wh.Signature)
	}
	if wh.RetryMax < 0 || wh.RetryMax > maxWebhookRetries {
		return invalidf("webhook retry_max must be between 0 and %d", maxWebhookRetries)
	}
	if wh.RetryBackoffMS < 0 {
		return invalidf("webhook retry_backoff_ms must not be negative")
	}

	links := &in.Links
	domains := links.AllowlistDomains[:0]
	for _, d := range links.AllowlistDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, d)
		}
	}
	links.AllowlistDomains = domains
	if links.Template != "" && !strings.Contains(links.Template, "{domain}") {
		return invalidf("link template must include {domain}")
	}

	for _, email := range in.Notifications.InvoiceEmails {
		if !emailPattern.MatchString(email) {
			return invalidf("invalid invoice email %q", email)
		}
	}
	return nil
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Entity types a tracking link can point at.
const (
	EntityLanding = "landing"
	EntityProduct = "product"
)

// LinkInput describes the target of a tracking link.
type LinkInput struct {
	Domain     string
	EntityType string
	EntityID   string
	RefCode    string
	Sub1       string
	Sub2       string
}

// TrackingLink builds a tracking link from the partner's stored link config.
func (s *Service) TrackingLink(ctx context.Context, partnerID string, in LinkInput) (string, error) {
	acct, err := s.repo.GetAccount(ctx, partnerID)
	if err != nil {
		err = translate(err)
		if err == ErrNotFound {
			return "", invalidf("link settings are not configured")
		}
		return "", err
	}
	return BuildTrackingLink(partnerID, acct.Links, in)
}

// BuildTrackingLink renders cfg.Template with {domain}, {landingSlug},
// {productId} and {params}, decorating it with the ref parameter, sub ids and
// UTM defaults. The domain must be allow-listed.
func BuildTrackingLink(partnerID string, cfg repo.LinkConfig, in LinkInput) (string, error) {
	if in.EntityType == "" || in.EntityID == "" || in.RefCode == "" || in.Domain == "" {
		return "", invalidf("entity_type, entity_id, ref_code and domain are required")
	}
	if in.EntityType != EntityLanding && in.EntityType != EntityProduct {
		return "", invalidf("unsupported entity_type %q", in.EntityType)
	}
	if cfg.ParamKeys.Ref == "" {
		return "", invalidf("link param key for ref is not configured")
	}
	domain := strings.ToLower(strings.TrimSpace(in.Domain))
	allowed := false
	for _, d := range cfg.AllowlistDomains {
		if d == domain {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", invalidf("domain %q is not allowed", domain)
	}
	if !strings.Contains(cfg.Template, "{domain}") {
		return "", invalidf("link template must include {domain}")
	}

	// Parameters keep a fixed order so links are stable.
	var params []string
	add := func(k, v string) {
		params = append(params, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}
	add(cfg.ParamKeys.Ref, in.RefCode)
	utm := cfg.UTMDefaults
	if utm.Source != "" {
		add("utm_source", utm.Source)
	}
	if utm.Medium != "" {
		add("utm_medium", utm.Medium)
	}
	if utm.Campaign != "" {
		add("utm_campaign", strings.ReplaceAll(utm.Campaign, "{partnerId}", partnerID))
	}
	if utm.Content != "" {
		add("utm_content", strings.ReplaceAll(utm.Content, "{refCode}", in.RefCode))
	}
	if utm.Term != "" {
		add("utm_term", strings.ReplaceAll(utm.Term, "{entityId}", in.EntityID))
	}
	if cfg.ParamKeys.Sub1 != "" && in.Sub1 != "" {
		add(cfg.ParamKeys.Sub1, in.Sub1)
	}
	if cfg.ParamKeys.Sub2 != "" && in.Sub2 != "" {
		add(cfg.ParamKeys.Sub2, in.Sub2)
	}
	query := strings.Join(params, "&")

	vars := map[string]string{
		"domain":      domain,
		"landingSlug": "",
		"productId":   "",
		"params":      query,
	}
	if in.EntityType == EntityLanding {
		vars["landingSlug"] = url.PathEscape(in.EntityID)
	} else {
		vars["productId"] = url.PathEscape(in.EntityID)
	}
	link := templateVar.ReplaceAllStringFunc(cfg.Template, func(m string) string {
		return vars[strings.Trim(m, "{}")]
	})
	if !strings.Contains(link, "?") {
		link += "?" + query
	}

	// Templates that ignore the entity fall back to the canonical path.
	segment := "/" + in.EntityType + "/"
	if !strings.Contains(link, segment) {
		link = fmt.Sprintf("https://%s%s%s?%s", domain, segment, url.PathEscape(in.EntityID), query)
	}
	return link, nil
}

var templateVar = regexp.MustCompile(`\{\w+\}`)
