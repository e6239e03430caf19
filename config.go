package main

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseURL string `yaml:"base_url"`
	CartURL string `yaml:"cart_url"`

	BrowserProfilePath string `yaml:"browser_profile_path"`
	Headless           bool   `yaml:"headless"`

	ClearCart bool `yaml:"clear_cart"`

	// Site-observed limits: the cart UI degrades past BatchSize simultaneous
	// lines, listings render PageSize cards per page, and crawling stops at
	// MaxPages pages per category.
	BatchSize int `yaml:"batch_size"`
	PageSize  int `yaml:"page_size"`
	MaxPages  int `yaml:"max_pages"`

	RemoveAttempts int `yaml:"remove_attempts"`
	SeenCacheSize  int `yaml:"seen_cache_size"`

	ClickTimeoutMs   int `yaml:"click_timeout_ms"`
	ActionTimeoutMs  int `yaml:"action_timeout_ms"`
	ResponseWaitMs   int `yaml:"response_wait_ms"`
	DialogIntervalMs int `yaml:"dialog_interval_ms"`
	DrainTimeoutMs   int `yaml:"drain_timeout_ms"`

	MetricsListen string `yaml:"metrics_listen"`

	Log LogConfig `yaml:"log"`

	Selectors SelectorConfig `yaml:"selectors"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type SelectorConfig struct {
	ProductCard          string `yaml:"product_card"`
	AddToCartButton      string `yaml:"add_to_cart_button"`
	PromotedBadge        string `yaml:"promoted_badge"`
	BadgeLabel           string `yaml:"badge_label"`
	Price                string `yaml:"price"`
	Rating               string `yaml:"rating"`
	ReviewCount          string `yaml:"review_count"`
	ListingTotal         string `yaml:"listing_total"`
	DialogClose          string `yaml:"dialog_close"`
	RemoveFromCartButton string `yaml:"remove_from_cart_button"`
}

func DefaultConfig() *Config {
	userDataDir := getUserDataDir()

	return &Config{
		BaseURL:            "https://www.emag.ro",
		CartURL:            "https://www.emag.ro/cart/products",
		BrowserProfilePath: filepath.Join(userDataDir, "browser-profile"),
		Headless:           true,
		ClearCart:          true,
		BatchSize:          40,
		PageSize:           60,
		MaxPages:           5,
		RemoveAttempts:     3,
		SeenCacheSize:      1024,
		ClickTimeoutMs:     1000,
		ActionTimeoutMs:    1000,
		ResponseWaitMs:     10000,
		DialogIntervalMs:   1000,
		DrainTimeoutMs:     60000,
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Selectors: SelectorConfig{
			ProductCard:          "div.card-item",
			AddToCartButton:      "button.yeahIWantThisProduct[data-offer-id]",
			PromotedBadge:        "span.card-v2-badge-cmp.bg-light",
			BadgeLabel:           "span.card-v2-badge-cmp",
			Price:                "p.product-new-price",
			Rating:               "span.average-rating",
			ReviewCount:          "span.visible-xs-inline-block",
			ListingTotal:         "div.control-label.js-listing-pagination strong",
			DialogClose:          "button.close.gtm_6046yfqs",
			RemoveFromCartButton: "button.remove-product[data-line]",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if config.BrowserProfilePath != "" {
		if err := os.MkdirAll(config.BrowserProfilePath, 0755); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) clickTimeout() time.Duration {
	return time.Duration(c.ClickTimeoutMs) * time.Millisecond
}

func (c *Config) actionTimeout() time.Duration {
	return time.Duration(c.ActionTimeoutMs) * time.Millisecond
}

func (c *Config) responseWait() time.Duration {
	return time.Duration(c.ResponseWaitMs) * time.Millisecond
}

func (c *Config) dialogInterval() time.Duration {
	return time.Duration(c.DialogIntervalMs) * time.Millisecond
}

func (c *Config) drainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

func getUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./emagcart-data"
	}
	return filepath.Join(home, ".emagcart")
}
