// Package config holds the tunables recognized by the engine
// (spec.md §6), with the defaults table realized as a functional-options
// constructor rather than the teacher's hardcoded package constants,
// since this module is embedded rather than run as a single `main`.
package config

import "time"

// Config bundles every tunable named in spec.md's configuration table.
type Config struct {
	TickInterval   time.Duration
	QueueCapacity  int
	WorkerPoolSize int
	MaxRetries     int
	RetryDelay     time.Duration

	Drift           float64
	Volatility      float64
	TimeStep        float64
	BaseAdjustment  float64
	PressureFactor  float64
	TimeWindow      time.Duration

	StartingBalance float64
	PriceFloor      float64

	RequestTimeout time.Duration
}

// Default returns the spec.md §6 defaults.
func Default() Config {
	return Config{
		TickInterval:   50 * time.Millisecond,
		QueueCapacity:  1000,
		WorkerPoolSize: 4,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,

		Drift:          0.08,
		Volatility:     0.2,
		TimeStep:       1.0 / 252.0,
		BaseAdjustment: 0.01,
		PressureFactor: 1.0,
		TimeWindow:     60 * time.Second,

		StartingBalance: 100000,
		PriceFloor:      0.01,

		RequestTimeout: 5 * time.Second,
	}
}

// Option mutates a Config under construction.
type Option func(*Config)

// New builds a Config starting from Default and applying opts in order.
func New(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithTickInterval(d time.Duration) Option   { return func(c *Config) { c.TickInterval = d } }
func WithQueueCapacity(n int) Option            { return func(c *Config) { c.QueueCapacity = n } }
func WithWorkerPoolSize(n int) Option           { return func(c *Config) { c.WorkerPoolSize = n } }
func WithMaxRetries(n int) Option               { return func(c *Config) { c.MaxRetries = n } }
func WithRetryDelay(d time.Duration) Option     { return func(c *Config) { c.RetryDelay = d } }
func WithDrift(mu float64) Option               { return func(c *Config) { c.Drift = mu } }
func WithVolatility(sigma float64) Option       { return func(c *Config) { c.Volatility = sigma } }
func WithTimeStep(dt float64) Option            { return func(c *Config) { c.TimeStep = dt } }
func WithBaseAdjustment(v float64) Option       { return func(c *Config) { c.BaseAdjustment = v } }
func WithPressureFactor(v float64) Option       { return func(c *Config) { c.PressureFactor = v } }
func WithTimeWindow(d time.Duration) Option     { return func(c *Config) { c.TimeWindow = d } }
func WithStartingBalance(v float64) Option      { return func(c *Config) { c.StartingBalance = v } }
func WithPriceFloor(v float64) Option           { return func(c *Config) { c.PriceFloor = v } }
func WithRequestTimeout(d time.Duration) Option { return func(c *Config) { c.RequestTimeout = d } }
