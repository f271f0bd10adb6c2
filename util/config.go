package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const Name = "stegofed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host       string
		HttpPort   int    `yaml:"httpPort"`
		SslDomain  string `yaml:"sslDomain"`
		Scheme     string `yaml:"scheme"`
		WithAp     bool   `yaml:"withAp"`
		Database   string `yaml:"database"`
		LogLevel   string `yaml:"logLevel"`
		Federation FederationConfig
	}
}

// FederationConfig holds the paths and limits of the ActivityPub engine.
type FederationConfig struct {
	SystemUser     string `yaml:"systemUser"`
	ActorPath      string `yaml:"actorPath"`
	InboxPath      string `yaml:"inboxPath"`
	OutboxPath     string `yaml:"outboxPath"`
	FollowersPath  string `yaml:"followersPath"`
	FollowingPath  string `yaml:"followingPath"`
	RepliesPath    string `yaml:"repliesPath"`
	NotesPath      string `yaml:"notesPath"`
	HttpTimeoutSec int    `yaml:"httpTimeoutSec"`
	AcceptDelayMs  int    `yaml:"acceptDelayMs"`
	ClockSkewSec   int    `yaml:"clockSkewSec"`
	CrawlPageLimit int    `yaml:"crawlPageLimit"`
	CrawlItemLimit int    `yaml:"crawlItemLimit"`
	Workers        int    `yaml:"workers"`
	Insecure       bool   `yaml:"insecure"`
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		Log().Infof("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				Log().Warnf("could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				Log().Infof("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	c.applyEnv()
	c.ApplyDefaults()

	return c, nil
}

func (c *AppConfig) applyEnv() {
	if v := os.Getenv("STEGOFED_HOST"); v != "" {
		c.Conf.Host = v
	}

	if v := os.Getenv("STEGOFED_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			Log().Warnf("ignoring STEGOFED_HTTPPORT: %v", err)
		} else {
			c.Conf.HttpPort = port
		}
	}

	if v := os.Getenv("STEGOFED_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}

	if v := os.Getenv("STEGOFED_SCHEME"); v != "" {
		c.Conf.Scheme = v
	}

	if os.Getenv("STEGOFED_WITH_AP") == "true" {
		c.Conf.WithAp = true
	}

	if v := os.Getenv("STEGOFED_DATABASE"); v != "" {
		c.Conf.Database = v
	}

	if v := os.Getenv("STEGOFED_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}

	if os.Getenv("STEGOFED_INSECURE") == "true" {
		c.Conf.Federation.Insecure = true
	}
}

// ApplyDefaults fills every unset value with its built-in default.
func (c *AppConfig) ApplyDefaults() {
	if c.Conf.Scheme == "" {
		c.Conf.Scheme = "https"
	}
	if c.Conf.Database == "" {
		c.Conf.Database = "database.db"
	}
	if c.Conf.LogLevel == "" {
		c.Conf.LogLevel = "info"
	}

	f := &c.Conf.Federation
	setString := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setString(&f.SystemUser, "instance")
	setString(&f.ActorPath, "/ap/u")
	setString(&f.InboxPath, "/ap/inbox")
	setString(&f.OutboxPath, "/ap/outbox")
	setString(&f.FollowersPath, "/ap/followers")
	setString(&f.FollowingPath, "/ap/following")
	setString(&f.RepliesPath, "/ap/replies")
	setString(&f.NotesPath, "/ap/n")
	setInt(&f.HttpTimeoutSec, 10)
	setInt(&f.AcceptDelayMs, 2000)
	setInt(&f.ClockSkewSec, 30)
	setInt(&f.CrawlPageLimit, 5)
	setInt(&f.CrawlItemLimit, 100)
	setInt(&f.Workers, 8)
}

// BaseURL is the public origin of this node, e.g. "https://example.com".
func (c *AppConfig) BaseURL() string {
	scheme := c.Conf.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.Conf.SslDomain)
}

func (c *AppConfig) ActorURL(username string) string {
	return c.BaseURL() + c.Conf.Federation.ActorPath + "/" + username
}

func (c *AppConfig) KeyID(username string) string {
	return c.ActorURL(username) + "#main-key"
}

func (c *AppConfig) InboxURL(username string) string {
	return c.BaseURL() + c.Conf.Federation.InboxPath + "/" + username
}

func (c *AppConfig) SharedInboxURL() string {
	return c.BaseURL() + c.Conf.Federation.InboxPath
}

func (c *AppConfig) OutboxURL(username string) string {
	return c.BaseURL() + c.Conf.Federation.OutboxPath + "/" + username
}

func (c *AppConfig) FollowersURL(username string) string {
	return c.BaseURL() + c.Conf.Federation.FollowersPath + "/" + username
}

func (c *AppConfig) FollowingURL(username string) string {
	return c.BaseURL() + c.Conf.Federation.FollowingPath + "/" + username
}

func (c *AppConfig) RepliesURL(nodeId string) string {
	return c.BaseURL() + c.Conf.Federation.RepliesPath + "/" + nodeId
}

func (c *AppConfig) NoteURL(nodeId string) string {
	return c.BaseURL() + c.Conf.Federation.NotesPath + "/" + nodeId
}

func (c *AppConfig) ActivityURL(id string) string {
	return c.BaseURL() + "/ap/activities/" + id
}

// LocalUsername returns the username of a local actor URL, or "" when the
// URL does not point at an actor of this node.
func (c *AppConfig) LocalUsername(actorURL string) string {
	prefix := c.ActorURL("")
	if !strings.HasPrefix(actorURL, prefix) {
		return ""
	}
	username := strings.TrimPrefix(actorURL, prefix)
	if i := strings.IndexAny(username, "/#?"); i >= 0 {
		username = username[:i]
	}
	return username
}

// LocalNoteId returns the node id of a local note URL, or "".
func (c *AppConfig) LocalNoteId(noteURL string) string {
	prefix := c.NoteURL("")
	if !strings.HasPrefix(noteURL, prefix) {
		return ""
	}
	id := strings.TrimPrefix(noteURL, prefix)
	if i := strings.IndexAny(id, "/#?"); i >= 0 {
		id = id[:i]
	}
	return id
}
