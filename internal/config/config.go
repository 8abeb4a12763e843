package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the client configuration.
type Config struct {
	BaseURL       string        `envconfig:"BASE_URL" default:"http://127.0.0.1:8000"`
	WSBaseURL     string        `envconfig:"WS_BASE_URL" default:"ws://127.0.0.1:8000"`
	DBPath        string        `envconfig:"DB_PATH" default:"securetalk.db"`
	PollInterval  time.Duration `envconfig:"POLL_INTERVAL" default:"10s"`
	ReceiptWindow time.Duration `envconfig:"RECEIPT_WINDOW" default:"150ms"`
	TypingIdle    time.Duration `envconfig:"TYPING_IDLE" default:"1500ms"`
}

// Load reads the configuration from the environment, with an optional
// .env file.
func Load() (Config, error) {
	err := godotenv.Load(".env")
	if err != nil {
		log.Println("No .env file found")
	}

	var c Config
	err = envconfig.Process("", &c)
	if err != nil {
		return Config{}, fmt.Errorf("unable to get envconfig: %w", err)
	}

	return c, nil
}
