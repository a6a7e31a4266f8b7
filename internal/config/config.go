// Package config loads the service configuration from TOML and resolves
// the writable directories. An ingestion source is enabled iff its section
// is present in the file; a section that is present but incomplete is a
// fatal configuration error.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// FileName is the configuration file name inside the config directory.
const FileName = "config.toml"

// Config is the root of config.toml. Source sections are pointers: a nil
// section means the source is disabled.
type Config struct {
	AI       *AI                `toml:"ai"`
	Mastodon *Mastodon          `toml:"mastodon"`
	Airtable *Airtable          `toml:"airtable"`
	Baserow  *Baserow           `toml:"baserow"`
	Bluesky  *Bluesky           `toml:"bluesky"`
	Telegram *Telegram          `toml:"telegram"`
	RSS      map[string]RSSFeed `toml:"rss"`
	MISPOrg  *MISPOrg           `toml:"misp-org"`
	Server   Server             `toml:"server"`
}

// AI configures the LLM oracle. APIKey accepts a single string or a list;
// each request picks one key at random. Fallback providers are tried in
// order when the primary exhausts its retries.
type AI struct {
	Provider string     `toml:"provider"`
	Model    string     `toml:"model"`
	APIKey   StringList `toml:"api_key"`
	BaseURL  string     `toml:"base_url"`
	Retries  int        `toml:"retries"`
	Fallback []AI       `toml:"fallback"`
}

// Mastodon configures the home-timeline source.
type Mastodon struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	AccessToken  string `toml:"access_token"`
	APIBaseURL   string `toml:"api_base_url"`
}

// Airtable configures the Airtable inbox source.
type Airtable struct {
	APIKey  string `toml:"api_key"`
	BaseID  string `toml:"base_id"`
	TableID string `toml:"table_id"`
}

// Baserow configures the Baserow inbox source.
type Baserow struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	TableID string `toml:"table_id"`
}

// Bluesky configures the atproto feed source.
type Bluesky struct {
	Handle      string   `toml:"handle"`
	AppPassword string   `toml:"app_password"`
	Feeds       []string `toml:"feeds"`
}

// Telegram configures the MTProto source. Session is a Telethon string
// session; Chats lists channel usernames or t.me identifiers.
type Telegram struct {
	APIID   int      `toml:"api_id"`
	APIHash string   `toml:"api_hash"`
	Session string   `toml:"session"`
	Chats   []string `toml:"chats"`
}

// RSSFeed is one [rss.<name>] entry. Name defaults to the map key.
type RSSFeed struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// MISPOrg identifies the organisation stamped on generated MISP events.
type MISPOrg struct {
	Name  string `toml:"name"`
	UUID  string `toml:"uuid"`
	Email string `toml:"email"`
}

// Server configures the HTTP surface. CacheSeconds is the search-result
// cache TTL; nil means the 3600 s default, explicit 0 disables caching.
type Server struct {
	Listen       string `toml:"listen"`
	CacheSeconds *int   `toml:"cache_seconds"`
}

// CacheTTLSeconds returns the configured search-cache TTL.
func (s Server) CacheTTLSeconds() int {
	if s.CacheSeconds == nil {
		return 3600
	}
	return *s.CacheSeconds
}

// StringList decodes a TOML value that is either a single string or an
// array of strings.
type StringList []string

// UnmarshalTOML implements toml.Unmarshaler.
func (s *StringList) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		*s = StringList{val}
	case []any:
		out := make(StringList, 0, len(val))
		for _, item := range val {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("config: expected string in list, got %T", item)
			}
			out = append(out, str)
		}
		*s = out
	default:
		return fmt.Errorf("config: expected string or list of strings, got %T", v)
	}
	return nil
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w (in %s)", err, path)
	}
	return c, nil
}

// Parse decodes, defaults and validates a TOML configuration document.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.defaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) defaults() {
	if c.AI != nil {
		c.AI.defaults()
	}
	for name, feed := range c.RSS {
		if feed.Name == "" {
			feed.Name = name
			c.RSS[name] = feed
		}
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
}

func (a *AI) defaults() {
	if a.Retries <= 0 {
		a.Retries = 3
	}
	for i := range a.Fallback {
		a.Fallback[i].defaults()
	}
}

func (c *Config) validate() error {
	if c.AI != nil {
		if err := c.AI.validate(); err != nil {
			return err
		}
		for i := range c.AI.Fallback {
			if err := c.AI.Fallback[i].validate(); err != nil {
				return fmt.Errorf("[ai.fallback] %d: %w", i, err)
			}
		}
	}
	if m := c.Mastodon; m != nil {
		if m.AccessToken == "" || m.APIBaseURL == "" {
			return errors.New("config: [mastodon] access_token and api_base_url are required")
		}
	}
	if a := c.Airtable; a != nil {
		if a.APIKey == "" || a.BaseID == "" || a.TableID == "" {
			return errors.New("config: [airtable] api_key, base_id and table_id are required")
		}
	}
	if b := c.Baserow; b != nil {
		if b.BaseURL == "" || b.APIKey == "" || b.TableID == "" {
			return errors.New("config: [baserow] base_url, api_key and table_id are required")
		}
	}
	if b := c.Bluesky; b != nil {
		if b.Handle == "" || b.AppPassword == "" {
			return errors.New("config: [bluesky] handle and app_password are required")
		}
		if len(b.Feeds) == 0 {
			return errors.New("config: [bluesky] feeds must list at least one feed URI")
		}
	}
	if t := c.Telegram; t != nil {
		if t.APIID == 0 || t.APIHash == "" {
			return errors.New("config: [telegram] api_id and api_hash are required")
		}
		if t.Session == "" {
			return errors.New("config: [telegram] session is required")
		}
		if len(t.Chats) == 0 {
			return errors.New("config: [telegram] chats must list at least one chat")
		}
	}
	for name, feed := range c.RSS {
		if feed.URL == "" {
			return fmt.Errorf("config: [rss.%s] url is required", name)
		}
	}
	if o := c.MISPOrg; o != nil {
		if o.Name == "" || o.Email == "" {
			return errors.New("config: [misp-org] name and email are required")
		}
		if _, err := uuid.Parse(o.UUID); err != nil {
			return fmt.Errorf("config: [misp-org] uuid: %w", err)
		}
	}
	if c.Server.CacheSeconds != nil && *c.Server.CacheSeconds < 0 {
		return errors.New("config: [server] cache_seconds must be >= 0")
	}
	return nil
}

func (a *AI) validate() error {
	switch a.Provider {
	case "mistral", "openai-compatible", "anthropic":
	default:
		return fmt.Errorf("config: [ai] provider %q is not one of mistral, openai-compatible, anthropic", a.Provider)
	}
	if a.Model == "" {
		return errors.New("config: [ai] model is required")
	}
	if len(a.APIKey) == 0 {
		return errors.New("config: [ai] api_key is required")
	}
	if a.Provider == "openai-compatible" && a.BaseURL == "" {
		return errors.New("config: [ai] base_url is required for provider openai-compatible")
	}
	return nil
}
