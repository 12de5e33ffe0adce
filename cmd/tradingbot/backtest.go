package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"crypto-trading-core/config"
	"crypto-trading-core/internal/aggregator"
	"crypto-trading-core/internal/indicator"
	"crypto-trading-core/internal/marketdata"
	"crypto-trading-core/internal/model"
	"crypto-trading-core/internal/pattern"
	"crypto-trading-core/internal/portfolio"
	"crypto-trading-core/internal/regime"
	"crypto-trading-core/internal/strategy"
)

// backtestCmd replays candles through the full strategy stack offline:
// aggregation, indicators, regime detection, voting, and simulated fills.
// No safety fabric and no relay; this validates strategy behavior only.
func backtestCmd() *cobra.Command {
	var (
		bars    int
		seed    int64
		csvPath string
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay candles through the strategy stack and report P&L",
		RunE: func(*cobra.Command, []string) error {
			os.Setenv("TRADING_MODE", "BACKTEST")
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			candles, err := loadCandles(cfg.Pair, csvPath, bars, seed)
			if err != nil {
				return err
			}
			if len(candles) == 0 {
				return fmt.Errorf("no candles to replay")
			}

			report, err := runBacktest(cfg, candles)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().IntVar(&bars, "bars", 2000, "synthetic 1m bars to generate when no CSV is given")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed for the synthetic feed")
	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV file of ts_ms,open,high,low,close,volume rows")
	return cmd
}

// loadCandles reads the CSV when given, otherwise generates a seeded
// synthetic random walk.
func loadCandles(symbol, csvPath string, bars int, seed int64) ([]model.Candle, error) {
	if csvPath == "" {
		sim := marketdata.NewSimFeed(marketdata.SimFeedConfig{
			Symbol:   symbol,
			Interval: time.Minute,
			Seed:     seed,
		})
		start := time.Now().UTC().Add(-time.Duration(bars) * time.Minute)
		return sim.Generate(start, bars), nil
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", csvPath, err)
	}

	candles := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("%s row %d: want 6 columns, got %d", csvPath, i+1, len(row))
		}
		vals := make([]float64, 6)
		for j, cell := range row[:6] {
			if vals[j], err = strconv.ParseFloat(cell, 64); err != nil {
				return nil, fmt.Errorf("%s row %d col %d: %w", csvPath, i+1, j+1, err)
			}
		}
		c := model.Candle{
			Symbol: symbol,
			TS:     int64(vals[0]),
			Open:   vals[1], High: vals[2], Low: vals[3], Close: vals[4],
			Volume: vals[5],
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", csvPath, i+1, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// backtestReport is the replay summary.
type backtestReport struct {
	Bars        int     `json:"bars"`
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	RealizedPnL float64 `json:"realized_pnl"`
	FinalRegime string  `json:"final_regime"`
	Patterns    int     `json:"patterns_learned"`
}

type backtestTrade struct {
	dir   model.Direction
	key   string
	qty   float64
	entry float64
	stop  float64
	take  float64
}

// runBacktest drives the strategy stack over the candle series with
// immediate fills at decision prices.
func runBacktest(cfg config.Config, candles []model.Candle) (*backtestReport, error) {
	regCfg, overrides, err := config.LoadRegimeOverrides(cfg.RegimeConfigPath)
	if err != nil {
		return nil, err
	}
	detector := regime.NewDetectorWithParams(regCfg, overrides)

	mem, err := pattern.Open(cfg.PatternMemoryPath())
	if err != nil {
		return nil, err
	}

	agg := aggregator.New(cfg.Pair, indicator.NewEngine())
	brain := strategy.NewBrain()
	ma := strategy.NewMACrossVoter(strategy.DefaultMACrossConfig())
	tpo := strategy.NewTPOVoter(strategy.DefaultTPOConfig())
	pv := strategy.NewPatternVoter(mem)
	brain.Register(ma)
	brain.Register(tpo)
	brain.Register(detector)
	brain.Register(pv)

	pnl := portfolio.NewPnLTracker()
	report := &backtestReport{Bars: len(candles)}
	var open *backtestTrade

	for _, c := range candles {
		agg.Ingest(c)
		ma.OnCandle(c)
		tpo.OnCandle(c)

		view, snap := agg.Snapshot(model.TF1m)
		detector.Analyze(view.Candles, snap)

		if open != nil {
			if price, ok := backtestExit(open, c); ok {
				dirSign := 1.0
				if open.dir == model.DirShort {
					dirSign = -1
				}
				pnlPct := (price - open.entry) / open.entry * 100 * dirSign
				report.RealizedPnL += (price - open.entry) * open.qty * dirSign
				report.Trades++
				if pnlPct > 0 {
					report.Wins++
				} else {
					report.Losses++
				}
				mem.Record(open.key, pnlPct)
				pv.SetActive(nil)
				side := model.SideSell
				if open.dir == model.DirShort {
					side = model.SideBuy
				}
				pnl.RecordTrade(portfolio.Trade{Symbol: cfg.Pair, Side: side, Qty: open.qty, Price: price, Timestamp: c.Time()})
				open = nil
			}
		}

		params := detector.GetParameters(detector.State().Current)
		in := strategy.DecideInput{
			Symbol: c.Symbol, TS: c.TS, Entry: c.Close,
			Params: params, PatternMult: 1.0,
		}
		if snap != nil && snap.ATR != nil {
			atr := *snap.ATR
			in.ATR = &atr
		}
		if levels, ok := tpo.Triggered(); ok {
			in.TPOLevels = levels
		}
		d := brain.Decide(in)
		if d.Direction == model.DirFlat || open != nil {
			continue
		}

		key := backtestKey(detector.State(), snap, d.Direction)
		if comp, ok := mem.Composite([]string{key}); ok {
			in.PatternMult = pattern.SizeMultiplier(comp)
			d = brain.Decide(in)
		}
		pv.SetActive([]string{key})

		side := model.SideBuy
		if d.Direction == model.DirShort {
			side = model.SideSell
		}
		qty := cfg.BaseOrderQty * d.SizeMultiplier
		pnl.RecordTrade(portfolio.Trade{Symbol: cfg.Pair, Side: side, Qty: qty, Price: c.Close, Timestamp: c.Time()})
		open = &backtestTrade{
			dir: d.Direction, key: key, qty: qty,
			entry: c.Close, stop: d.StopLossPrice, take: d.TakeProfit,
		}
	}

	if report.Trades > 0 {
		report.WinRate = float64(report.Wins) / float64(report.Trades)
	}
	report.FinalRegime = string(detector.State().Current)
	report.Patterns = mem.Len()
	if err := mem.Flush(); err != nil {
		return nil, err
	}
	return report, nil
}

func backtestExit(t *backtestTrade, c model.Candle) (float64, bool) {
	if t.dir == model.DirLong {
		if t.stop > 0 && c.Low <= t.stop {
			return t.stop, true
		}
		if t.take > 0 && c.High >= t.take {
			return t.take, true
		}
		return 0, false
	}
	if t.stop > 0 && c.High >= t.stop {
		return t.stop, true
	}
	if t.take > 0 && c.Low <= t.take {
		return t.take, true
	}
	return 0, false
}

func backtestKey(st regime.State, snap *indicator.Snapshot, dir model.Direction) string {
	f := pattern.Features{
		Volatility:    st.Metrics.Volatility,
		VolumeRatio:   st.Metrics.VolumeRatio,
		Momentum:      st.Metrics.Momentum,
		PricePosition: st.Metrics.PricePosition,
		Regime:        string(st.Current),
		Direction:     string(dir),
	}
	if st.Metrics.TrendDirection > 0 {
		f.TrendSign = 1
	} else if st.Metrics.TrendDirection < 0 {
		f.TrendSign = -1
	}
	if snap != nil {
		if snap.RSI != nil {
			f.RSI = *snap.RSI
		}
		if snap.MACD != nil {
			f.MACDHistogram = snap.MACD.Histogram
		}
	}
	return f.Key()
}
