package regime

// IndicatorWeights tune how much each signal family counts inside a regime.
type IndicatorWeights struct {
	Trend      float64 `json:"trend" yaml:"trend"`
	Momentum   float64 `json:"momentum" yaml:"momentum"`
	Volume     float64 `json:"volume" yaml:"volume"`
	Volatility float64 `json:"volatility" yaml:"volatility"`
}

// Parameters are the per-regime constants consumed by downstream sizing
// and exit logic. The table is immutable; GetParameters returns copies.
type Parameters struct {
	RiskMultiplier       float64          `json:"risk_multiplier" yaml:"risk_multiplier"`
	ConfidenceThreshold  float64          `json:"confidence_threshold" yaml:"confidence_threshold"`
	StopLossMultiplier   float64          `json:"stop_loss_multiplier" yaml:"stop_loss_multiplier"`
	TakeProfitMultiplier float64          `json:"take_profit_multiplier" yaml:"take_profit_multiplier"`
	Weights              IndicatorWeights `json:"indicator_weights" yaml:"indicator_weights"`
}

// defaultParameters is the built-in regime parameter table.
var defaultParameters = map[Regime]Parameters{
	TrendingUp: {
		RiskMultiplier: 1.0, ConfidenceThreshold: 0.20,
		StopLossMultiplier: 1.5, TakeProfitMultiplier: 3.0,
		Weights: IndicatorWeights{Trend: 0.40, Momentum: 0.25, Volume: 0.20, Volatility: 0.15},
	},
	TrendingDown: {
		RiskMultiplier: 1.0, ConfidenceThreshold: 0.25,
		StopLossMultiplier: 1.5, TakeProfitMultiplier: 3.0,
		Weights: IndicatorWeights{Trend: 0.40, Momentum: 0.25, Volume: 0.20, Volatility: 0.15},
	},
	Ranging: {
		RiskMultiplier: 0.8, ConfidenceThreshold: 0.30,
		StopLossMultiplier: 1.2, TakeProfitMultiplier: 2.0,
		Weights: IndicatorWeights{Trend: 0.15, Momentum: 0.35, Volume: 0.25, Volatility: 0.25},
	},
	Volatile: {
		RiskMultiplier: 0.5, ConfidenceThreshold: 0.30,
		StopLossMultiplier: 2.5, TakeProfitMultiplier: 2.5,
		Weights: IndicatorWeights{Trend: 0.20, Momentum: 0.25, Volume: 0.25, Volatility: 0.30},
	},
	Quiet: {
		RiskMultiplier: 0.6, ConfidenceThreshold: 0.35,
		StopLossMultiplier: 1.0, TakeProfitMultiplier: 1.8,
		Weights: IndicatorWeights{Trend: 0.25, Momentum: 0.25, Volume: 0.30, Volatility: 0.20},
	},
	Breakout: {
		RiskMultiplier: 1.3, ConfidenceThreshold: 0.25,
		StopLossMultiplier: 2.0, TakeProfitMultiplier: 4.0,
		Weights: IndicatorWeights{Trend: 0.30, Momentum: 0.35, Volume: 0.25, Volatility: 0.10},
	},
	Breakdown: {
		RiskMultiplier: 1.1, ConfidenceThreshold: 0.25,
		StopLossMultiplier: 2.0, TakeProfitMultiplier: 4.0,
		Weights: IndicatorWeights{Trend: 0.30, Momentum: 0.35, Volume: 0.25, Volatility: 0.10},
	},
}
