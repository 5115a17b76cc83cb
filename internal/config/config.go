// Package config loads the head and node processes' env-var driven
// configuration (spec §6), with sane defaults and a YAML-backed static
// defaults file merged under GET /api/config/defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Node holds a node process's configuration, built entirely from env vars
// per spec §6.
type Node struct {
	AppPort            string
	NodeID             string
	NodeName           string
	RequireAuth        bool
	HeadPublicKeys     string
	DataRoot           string
	MaxStepsDefault    int
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	ScheduleCheckSecs  int
	AuditDBPath        string
	BrowserImage       string
	BrowserNetworkMode string
	OTelExporter       string
	ConfigDefaultsPath string
}

// LoadNode reads a Node config from the process environment.
func LoadNode() (Node, error) {
	dataRoot := getenv("DATA_ROOT", "./data")
	n := Node{
		AppPort:            getenv("APP_PORT", "8081"),
		NodeID:             getenv("NODE_ID", ""),
		NodeName:           getenv("NODE_NAME", ""),
		RequireAuth:        getbool("NODE_REQUIRE_AUTH", true),
		HeadPublicKeys:     os.Getenv("HEAD_PUBLIC_KEYS"),
		DataRoot:           dataRoot,
		MaxStepsDefault:    getint("MAX_STEPS_DEFAULT", 50),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
		ScheduleCheckSecs:  getint("SCHEDULE_CHECK_SECONDS", 5),
		AuditDBPath:        getenv("AUDIT_DB_PATH", dataRoot+"/audit.db"),
		BrowserImage:       getenv("BROWSER_IMAGE", "webai/browser-vnc:latest"),
		BrowserNetworkMode: getenv("BROWSER_NETWORK_MODE", "bridge"),
		OTelExporter:       getenv("OTEL_EXPORTER", "stdout"),
		ConfigDefaultsPath: os.Getenv("CONFIG_DEFAULTS_PATH"),
	}
	if n.NodeID == "" {
		return Node{}, fmt.Errorf("config: NODE_ID is required")
	}
	if n.ScheduleCheckSecs <= 0 {
		return Node{}, fmt.Errorf("config: SCHEDULE_CHECK_SECONDS must be positive")
	}
	return n, nil
}

// CheckInterval is ScheduleCheckSecs as a time.Duration, for the scheduler.
func (n Node) CheckInterval() time.Duration {
	return time.Duration(n.ScheduleCheckSecs) * time.Second
}

// Head holds the head process's configuration.
type Head struct {
	HeadPort           string
	HeadNodes          string // "url|id[,url|id...]"
	HeadKeyDir         string
	HeadEnrollToken    string
	ConfigDefaultsPath string
	FanoutTimeout      time.Duration
	StaticAssetsDir    string
}

// LoadHead reads a Head config from the process environment.
func LoadHead() (Head, error) {
	h := Head{
		HeadPort:           getenv("HEAD_PORT", "8080"),
		HeadNodes:          os.Getenv("HEAD_NODES"),
		HeadKeyDir:         getenv("HEAD_KEY_DIR", "./headkeys"),
		HeadEnrollToken:    os.Getenv("HEAD_ENROLL_TOKEN"),
		ConfigDefaultsPath: os.Getenv("CONFIG_DEFAULTS_PATH"),
		FanoutTimeout:      time.Duration(getint("HEAD_FANOUT_TIMEOUT_SECONDS", 5)) * time.Second,
		StaticAssetsDir:    getenv("HEAD_STATIC_DIR", "./web/dist"),
	}
	if strings.TrimSpace(h.HeadNodes) == "" {
		return Head{}, fmt.Errorf("config: HEAD_NODES is required")
	}
	return h, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
