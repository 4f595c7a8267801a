package session

import (
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ducminhle1904/crypto-signal-trader/internal/risk"
)

// PositionSummary is one open position marked at the given price.
type PositionSummary struct {
	Symbol          string
	Quantity        float64
	AvgPrice        float64
	CurrentPrice    float64
	Value           float64
	UnrealizedPnL   float64
	UnrealizedPct   float64
	TakeProfitPrice float64
}

// PortfolioSummary is a point-in-time view of the session's book.
type PortfolioSummary struct {
	SessionID      string
	Balance        float64
	TotalValue     float64
	TotalReturn    float64
	Drawdown       float64
	RiskProfile    risk.Profile
	MarketStress   float64
	StressLabel    string
	TradingEnabled bool
	Positions      []PositionSummary
}

// GetPortfolioSummary marks every position at the supplied prices, falling
// back to the latest snapshot price for symbols not listed.
func (s *Session) GetPortfolioSummary(currentPrices map[string]float64) PortfolioSummary {
	st := s.safety.Status()

	s.mu.Lock()
	summary := PortfolioSummary{
		SessionID:      s.cfg.SessionID,
		Balance:        s.balance,
		RiskProfile:    s.riskEng.Profile(),
		MarketStress:   s.riskEng.Stress(),
		StressLabel:    s.riskEng.StressLabel(),
		TradingEnabled: st.TradingEnabled,
	}

	total := s.balance
	for symbol, pos := range s.positions {
		price := currentPrices[symbol]
		if price <= 0 {
			if snap, ok := s.snapshots[symbol]; ok && snap.LastPrice > 0 {
				price = snap.LastPrice
			} else {
				price = pos.AvgPrice
			}
		}
		value := pos.Quantity * price
		pnl := value - pos.Notional()
		pct := 0.0
		if pos.Notional() > 0 {
			pct = pnl / pos.Notional()
		}
		total += value
		summary.Positions = append(summary.Positions, PositionSummary{
			Symbol:          symbol,
			Quantity:        pos.Quantity,
			AvgPrice:        pos.AvgPrice,
			CurrentPrice:    price,
			Value:           value,
			UnrealizedPnL:   pnl,
			UnrealizedPct:   pct,
			TakeProfitPrice: pos.TakeProfitPrice,
		})
	}
	peak := s.peakValue
	s.mu.Unlock()

	sort.Slice(summary.Positions, func(i, j int) bool {
		return summary.Positions[i].Symbol < summary.Positions[j].Symbol
	})

	summary.TotalValue = total
	if s.cfg.Risk.InitialBalance > 0 {
		summary.TotalReturn = (total - s.cfg.Risk.InitialBalance) / s.cfg.Risk.InitialBalance
	}
	if peak > 0 && total < peak {
		summary.Drawdown = (peak - total) / peak
	}
	return summary
}

// RenderSummary writes the portfolio as a rounded table.
func RenderSummary(w io.Writer, sum PortfolioSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("PORTFOLIO — " + sum.SessionID)
	t.SetStyle(table.StyleRounded)

	enabled := "yes"
	if !sum.TradingEnabled {
		enabled = "no"
	}
	t.AppendRows([]table.Row{
		{"💰 Cash Balance", fmt.Sprintf("$%.2f", sum.Balance)},
		{"📊 Total Value", fmt.Sprintf("$%.2f", sum.TotalValue)},
		{"📈 Total Return", fmt.Sprintf("%.2f%%", sum.TotalReturn*100)},
		{"📉 Drawdown", fmt.Sprintf("%.2f%%", sum.Drawdown*100)},
		{"🎚️ Risk Profile", string(sum.RiskProfile)},
		{"🌡️ Market Stress", fmt.Sprintf("%.2f (%s)", sum.MarketStress, sum.StressLabel)},
		{"🟢 Trading Enabled", enabled},
	})
	t.Render()

	if len(sum.Positions) == 0 {
		return
	}

	pt := table.NewWriter()
	pt.SetOutputMirror(w)
	pt.SetTitle("OPEN POSITIONS")
	pt.SetStyle(table.StyleRounded)
	pt.AppendHeader(table.Row{"Symbol", "Qty", "Entry", "Price", "Value", "PnL", "PnL %", "TP"})
	for _, p := range sum.Positions {
		pt.AppendRow(table.Row{
			p.Symbol,
			fmt.Sprintf("%.6f", p.Quantity),
			fmt.Sprintf("%.4f", p.AvgPrice),
			fmt.Sprintf("%.4f", p.CurrentPrice),
			fmt.Sprintf("$%.2f", p.Value),
			fmt.Sprintf("$%.2f", p.UnrealizedPnL),
			fmt.Sprintf("%.2f%%", p.UnrealizedPct*100),
			fmt.Sprintf("%.4f", p.TakeProfitPrice),
		})
	}
	pt.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	pt.Render()
}
