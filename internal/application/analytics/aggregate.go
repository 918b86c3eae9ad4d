package analytics

import (
	"sort"
	"strings"

	"github.com/crm/backend/internal/domain/analytics"
	"github.com/crm/backend/internal/domain/crm"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BuildMonthlyBuckets reduces records into one bucket per month key, in the
// order given. Records dated outside the given months are ignored.
func BuildMonthlyBuckets(months []string, transactions []crm.Transaction, deals []crm.Deal, opportunities []crm.Opportunity) []analytics.MonthlyBucket {
	buckets := make([]analytics.MonthlyBucket, len(months))
	index := make(map[string]int, len(months))
	for i, m := range months {
		buckets[i] = analytics.MonthlyBucket{
			Month:    m,
			Revenue:  decimal.Zero,
			Expenses: decimal.Zero,
			Refunds:  decimal.Zero,
			Net:      decimal.Zero,
			WonValue: decimal.Zero,
		}
		index[m] = i
	}

	for _, tx := range transactions {
		i, ok := index[tx.Month()]
		if !ok {
			continue
		}
		b := &buckets[i]
		b.TransactionCount++
		switch tx.Type {
		case crm.TransactionRevenue:
			b.Revenue = b.Revenue.Add(tx.Amount)
		case crm.TransactionExpense:
			b.Expenses = b.Expenses.Add(tx.Amount)
		case crm.TransactionRefund:
			b.Refunds = b.Refunds.Add(tx.Amount)
		}
	}

	for _, d := range deals {
		if !d.IsWon() {
			continue
		}
		i, ok := index[d.EffectiveAt().UTC().Format(analytics.MonthLayout)]
		if !ok {
			continue
		}
		buckets[i].DealsWon++
		buckets[i].WonValue = buckets[i].WonValue.Add(d.Value)
	}

	for _, o := range opportunities {
		if i, ok := index[o.CreatedAt.UTC().Format(analytics.MonthLayout)]; ok {
			buckets[i].OpportunitiesCreated++
		}
	}

	for i := range buckets {
		b := &buckets[i]
		b.Net = b.Revenue.Sub(b.Expenses).Sub(b.Refunds)
	}
	return buckets
}

// dimensionKey returns the value of a record along dim, or OtherBucket
func dimensionKey(dim analytics.Dimension, sellerID *uuid.UUID, product, channel string) string {
	switch dim {
	case analytics.DimensionSeller:
		if sellerID == nil || *sellerID == uuid.Nil {
			return crm.OtherBucket
		}
		return sellerID.String()
	case analytics.DimensionProduct:
		return crm.NormalizeDimension(product)
	case analytics.DimensionChannel:
		return crm.NormalizeDimension(channel)
	}
	return crm.OtherBucket
}

// SummarizeBy groups revenue transactions and deals along dim. Values missing
// on a record fall into the "Outros" bucket. The result is sorted by revenue
// descending, then key ascending.
func SummarizeBy(dim analytics.Dimension, transactions []crm.Transaction, deals []crm.Deal) []analytics.DimensionSummary {
	groups := make(map[string]*analytics.DimensionSummary)
	get := func(key string) *analytics.DimensionSummary {
		s, ok := groups[key]
		if !ok {
			s = &analytics.DimensionSummary{
				Key:            key,
				Revenue:        decimal.Zero,
				WonValue:       decimal.Zero,
				ConversionRate: decimal.Zero,
				AverageTicket:  decimal.Zero,
				RevenueShare:   decimal.Zero,
			}
			groups[key] = s
		}
		return s
	}

	totalRevenue := decimal.Zero
	for _, tx := range transactions {
		if !tx.IsRevenue() {
			continue
		}
		s := get(dimensionKey(dim, tx.SellerID, tx.Product, tx.Channel))
		s.Revenue = s.Revenue.Add(tx.Amount)
		s.TransactionCount++
		totalRevenue = totalRevenue.Add(tx.Amount)
	}

	for _, d := range deals {
		s := get(dimensionKey(dim, d.SellerID, d.Product, d.Channel))
		s.Deals++
		if d.IsWon() {
			s.DealsWon++
			s.WonValue = s.WonValue.Add(d.Value)
		}
	}

	summaries := make([]analytics.DimensionSummary, 0, len(groups))
	for _, s := range groups {
		s.ConversionRate = analytics.CountPercentage(s.DealsWon, s.Deals)
		s.AverageTicket = analytics.Average(s.Revenue, s.TransactionCount)
		s.RevenueShare = analytics.Percentage(s.Revenue, totalRevenue)
		summaries = append(summaries, *s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		if c := summaries[i].Revenue.Cmp(summaries[j].Revenue); c != 0 {
			return c > 0
		}
		return summaries[i].Key < summaries[j].Key
	})
	return summaries
}

// ComputeKPIs derives the headline indicators of a dataset
func ComputeKPIs(opportunities []crm.Opportunity, deals []crm.Deal, quotes []crm.Quote, transactions []crm.Transaction) analytics.KPIs {
	k := analytics.KPIs{
		TotalRevenue:     decimal.Zero,
		TotalExpenses:    decimal.Zero,
		TotalRefunds:     decimal.Zero,
		PipelineValue:    decimal.Zero,
		WeightedPipeline: decimal.Zero,
		QuotedValue:      decimal.Zero,
	}

	for _, tx := range transactions {
		k.TransactionCount++
		switch tx.Type {
		case crm.TransactionRevenue:
			k.TotalRevenue = k.TotalRevenue.Add(tx.Amount)
			k.RevenueTransactionCount++
		case crm.TransactionExpense:
			k.TotalExpenses = k.TotalExpenses.Add(tx.Amount)
		case crm.TransactionRefund:
			k.TotalRefunds = k.TotalRefunds.Add(tx.Amount)
		}
	}
	k.NetResult = k.TotalRevenue.Sub(k.TotalExpenses).Sub(k.TotalRefunds)
	k.AverageTicket = analytics.Average(k.TotalRevenue, k.RevenueTransactionCount)

	for i := range opportunities {
		o := &opportunities[i]
		k.OpportunitiesTotal++
		if o.IsWon() {
			k.OpportunitiesWon++
		}
		if o.Stage.IsOpen() {
			k.PipelineValue = k.PipelineValue.Add(o.Value)
			k.WeightedPipeline = k.WeightedPipeline.Add(o.WeightedValue())
		}
	}
	k.ConversionRate = analytics.CountPercentage(k.OpportunitiesWon, k.OpportunitiesTotal)
	k.WeightedPipeline = k.WeightedPipeline.Round(analytics.PresentationPlaces)

	wonValue := decimal.Zero
	for _, d := range deals {
		k.DealsTotal++
		switch d.Status {
		case crm.DealStatusWon:
			k.DealsWon++
			wonValue = wonValue.Add(d.Value)
		case crm.DealStatusLost:
			k.DealsLost++
		}
	}
	k.DealConversionRate = analytics.CountPercentage(k.DealsWon, k.DealsTotal)
	k.AverageDealValue = analytics.Average(wonValue, k.DealsWon)

	for i := range quotes {
		q := &quotes[i]
		k.QuotesTotal++
		if q.IsAccepted() {
			k.QuotesAccepted++
		}
		k.QuotedValue = k.QuotedValue.Add(q.Total)
	}
	k.QuoteAcceptanceRate = analytics.CountPercentage(k.QuotesAccepted, k.QuotesTotal)

	return k
}

// BuildFunnel counts opportunities per pipeline stage, in stage order. Every
// stage is present even when empty.
func BuildFunnel(opportunities []crm.Opportunity) []analytics.FunnelStage {
	stages := crm.PipelineStages()
	funnel := make([]analytics.FunnelStage, len(stages))
	index := make(map[crm.OpportunityStage]int, len(stages))
	for i, st := range stages {
		funnel[i] = analytics.FunnelStage{Stage: st, Value: decimal.Zero, Share: decimal.Zero}
		index[st] = i
	}

	var total int64
	for _, o := range opportunities {
		i, ok := index[o.Stage]
		if !ok {
			continue
		}
		funnel[i].Count++
		funnel[i].Value = funnel[i].Value.Add(o.Value)
		total++
	}
	for i := range funnel {
		funnel[i].Share = analytics.CountPercentage(funnel[i].Count, total)
	}
	return funnel
}

// JoinMarketing merges ad platform metrics with channel revenue. Channels are
// matched case-insensitively; campaigns without a channel count as "Outros".
// Channels with revenue but no campaigns are kept with zero spend. The result
// is sorted by spend descending, then channel ascending.
func JoinMarketing(campaigns []analytics.CampaignMetric, channels []analytics.DimensionSummary) []analytics.ChannelPerformance {
	rows := make(map[string]*analytics.ChannelPerformance)
	get := func(channel string) *analytics.ChannelPerformance {
		id := strings.ToLower(channel)
		p, ok := rows[id]
		if !ok {
			p = &analytics.ChannelPerformance{
				Channel: channel,
				Spend:   decimal.Zero,
				Revenue: decimal.Zero,
			}
			rows[id] = p
		}
		return p
	}

	for _, c := range campaigns {
		p := get(crm.NormalizeDimension(c.Channel))
		p.Spend = p.Spend.Add(c.Spend)
		p.Impressions += c.Impressions
		p.Clicks += c.Clicks
		p.Leads += c.Leads
	}
	for _, s := range channels {
		p := get(s.Key)
		p.Revenue = p.Revenue.Add(s.Revenue)
	}

	result := make([]analytics.ChannelPerformance, 0, len(rows))
	for _, p := range rows {
		p.CTR = analytics.CountPercentage(p.Clicks, p.Impressions)
		p.CostPerLead = analytics.SafeDiv(p.Spend, decimal.NewFromInt(p.Leads))
		p.ROAS = analytics.SafeDiv(p.Revenue, p.Spend)
		result = append(result, *p)
	}

	sort.Slice(result, func(i, j int) bool {
		if c := result[i].Spend.Cmp(result[j].Spend); c != 0 {
			return c > 0
		}
		return result[i].Channel < result[j].Channel
	})
	return result
}
