package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type config struct {
	DatabaseURL        string
	DBMaxOpenConns     int
	HTTPAddr           string
	LogLevel           string
	Timezone           string
	JWTSecret          string
	TelegramBotToken   string
	TelegramEndpoint   string
	NotifyTimeout      time.Duration
	NotifyDedupeWindow time.Duration
	ShutdownTimeout    time.Duration
}

func loadConfig() config {
	return config{
		DatabaseURL:        getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		DBMaxOpenConns:     getenvIntDefault("DB_MAX_OPEN_CONNS", 10),
		HTTPAddr:           getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:           getenvDefault("LOG_LEVEL", "info"),
		Timezone:           getenvDefault("TIMEZONE", "UTC"),
		JWTSecret:          getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		TelegramBotToken:   getenvDefault("TELEGRAM_BOT_TOKEN", ""),
		TelegramEndpoint:   getenvDefault("TELEGRAM_API_ENDPOINT", ""),
		NotifyTimeout:      getenvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		NotifyDedupeWindow: getenvDuration("NOTIFY_DEDUPE_WINDOW", 0),
		ShutdownTimeout:    getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

func (c config) location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
