package repo

import (
	"sort"
	"time"
)

const topRefCodes = 10

// mergeRefStats combines per-ref-code click and conversion aggregates.
func mergeRefStats(clicks map[string]int64, conversions map[string]RefCodeStats) *AffiliateStats {
	byRef := make(map[string]*RefCodeStats, len(clicks)+len(conversions))
	get := func(ref string) *RefCodeStats {
		s, ok := byRef[ref]
		if !ok {
			s = &RefCodeStats{RefCode: ref}
			byRef[ref] = s
		}
		return s
	}

	out := &AffiliateStats{}
	for ref, n := range clicks {
		get(ref).Clicks += n
		out.Clicks += n
	}
	for ref, c := range conversions {
		s := get(ref)
		s.Conversions += c.Conversions
		s.Commission += c.Commission
		out.Conversions += c.Conversions
		out.Commission += c.Commission
	}

	all := make([]RefCodeStats, 0, len(byRef))
	for ref, s := range byRef {
		if ref == "" {
			continue
		}
		all = append(all, *s)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Commission != all[j].Commission {
			return all[i].Commission > all[j].Commission
		}
		if all[i].Clicks != all[j].Clicks {
			return all[i].Clicks > all[j].Clicks
		}
		return all[i].RefCode < all[j].RefCode
	})
	if len(all) > topRefCodes {
		all = all[:topRefCodes]
	}
	out.TopRefCodes = all
	return out
}

// sameState reports whether a mutation left the persisted conversion state untouched.
func sameState(a, b Conversion) bool {
	return a.Status == b.Status &&
		a.IsBillable == b.IsBillable &&
		sameTime(a.ApprovedAt, b.ApprovedAt) &&
		sameTime(a.PaidAt, b.PaidAt) &&
		sameTime(a.BilledAt, b.BilledAt) &&
		sameString(a.InvoiceID, b.InvoiceID)
}

// linksNewEntry reports whether after is attached to a billing entry that
// before was not attached to.
func linksNewEntry(before, after Conversion) bool {
	return after.InvoiceID != nil && !sameString(before.InvoiceID, after.InvoiceID)
}

// billingTargetErr rejects a link to an entry that is not a live invoice or
// payout of the conversion's partner.
func billingTargetErr(e *LedgerEntry, partnerID string) error {
	if e.PartnerID != partnerID {
		return ErrNotFound
	}
	if (e.Type != EntryInvoice && e.Type != EntryPayout) || e.Status == StatusCancelled {
		return ErrEntryState
	}
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
