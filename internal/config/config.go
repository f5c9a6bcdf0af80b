// Package config содержит логику чтения конфигурации сервиса инкассации.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса инкассации.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	VisionSystemAddress string `env:"VISION_SYSTEM_ADDRESS"`
	AuthSecret          string `env:"AUTH_SECRET"`

	CoinUnitValue    int64   `env:"COIN_UNIT_VALUE"`
	DebtRecoveryRate float64 `env:"DEBT_RECOVERY_RATE"`
	MaxGPSDeviation  float64 `env:"MAX_GPS_DEVIATION"`

	// Начальная учётная запись администратора; создаётся при старте,
	// если логин ещё не занят.
	AdminLogin    string `env:"ADMIN_LOGIN"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envVisionAddress := cfg.VisionSystemAddress
	envAuthSecret := cfg.AuthSecret
	envCoinUnit := cfg.CoinUnitValue
	envRecoveryRate := cfg.DebtRecoveryRate
	envGPSDeviation := cfg.MaxGPSDeviation

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.VisionSystemAddress, "r", "", "vision system address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookies")
	flag.Int64Var(&cfg.CoinUnitValue, "coin", 200, "value of one coin in minor currency units")
	flag.Float64Var(&cfg.DebtRecoveryRate, "recovery", 0.10, "startup debt recovery rate per collection")
	flag.Float64Var(&cfg.MaxGPSDeviation, "gps", 1000, "max allowed GPS deviation in meters")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envVisionAddress != "" {
		cfg.VisionSystemAddress = envVisionAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envCoinUnit != 0 {
		cfg.CoinUnitValue = envCoinUnit
	}
	if envRecoveryRate != 0 {
		cfg.DebtRecoveryRate = envRecoveryRate
	}
	if envGPSDeviation != 0 {
		cfg.MaxGPSDeviation = envGPSDeviation
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
