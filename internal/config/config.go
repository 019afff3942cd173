package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	commoncfg "plantops-data/common/config"
)

// Layout sources
const (
	LayoutSourceMemory = "memory"
	LayoutSourceFile   = "file"
	LayoutSourceRemote = "remote"
)

// Config plantops-data（HTTP API）配置
type Config struct {
	HTTP struct {
		Addr string
	}
	DBEnabled bool
	Database  commoncfg.DatabaseConfig

	RedisEnabled bool
	Redis        commoncfg.RedisConfig

	Log struct {
		Level  string
		Format string
	}

	MQTT     MQTTConfig
	PlantMap PlantMapConfig
	Layout   LayoutConfig
	Events   EventsConfig
}

// MQTTConfig 周期事件推送（地图页面实时刷新）
type MQTTConfig struct {
	Enabled     bool
	TopicPrefix string
	commoncfg.MQTTConfig
}

// PlantMapConfig 周期 / 审批相关配置
type PlantMapConfig struct {
	TaskTypes        []string
	Debounce         time.Duration
	CycleInfoTTL     time.Duration
	AdminRoles       []string
	CabinetGroupSize int
	CabinetPrefix    string
	TrackerCount     int
}

// LayoutConfig tracker 布局来源
type LayoutConfig struct {
	Source string // memory | file | remote
	File   string
	URL    string
	// memory 来源的网格宽度
	PerRow int
}

// EventsConfig Redis Stream 事件配置
type EventsConfig struct {
	Stream string
	MaxLen int64
}

func Load() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	// 本地开发默认关闭 DB，使用内存仓库
	cfg.DBEnabled = getEnv("DB_ENABLED", "false") == "true"
	cfg.Database = commoncfg.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "plantops",
		SSLMode:  "disable",
		MaxConns: 20,
		MaxIdle:  5,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.RedisEnabled = getEnv("REDIS_ENABLED", "false") == "true"
	cfg.Redis = commoncfg.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	// MQTT（默认禁用）
	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "plantmap")
	cfg.MQTT.MQTTConfig = commoncfg.MQTTConfig{
		Broker:         "tcp://localhost:1883",
		ClientID:       "plantops-data",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
	}
	cfg.MQTT.MQTTConfig.LoadFromEnv("MQTT")

	cfg.PlantMap.TaskTypes = splitList(getEnv("PLANTMAP_TASK_TYPES", "grass_cutting,panel_wash"))
	cfg.PlantMap.Debounce = parseDuration(getEnv("PLANTMAP_DEBOUNCE", "10s"), 10*time.Second)
	cfg.PlantMap.CycleInfoTTL = parseDuration(getEnv("PLANTMAP_CYCLE_INFO_TTL", "5s"), 5*time.Second)
	cfg.PlantMap.AdminRoles = splitList(getEnv("PLANTMAP_ADMIN_ROLES", "SystemAdmin,Admin,Manager"))
	cfg.PlantMap.CabinetGroupSize = parseInt(getEnv("PLANTMAP_CABINET_GROUP_SIZE", "4"), 4)
	cfg.PlantMap.CabinetPrefix = getEnv("PLANTMAP_CABINET_PREFIX", "C")
	cfg.PlantMap.TrackerCount = parseInt(getEnv("PLANTMAP_TRACKER_COUNT", "99"), 99)

	cfg.Layout.Source = strings.ToLower(getEnv("LAYOUT_SOURCE", LayoutSourceMemory))
	cfg.Layout.File = getEnv("LAYOUT_FILE", "layout.yaml")
	cfg.Layout.URL = getEnv("LAYOUT_URL", "http://localhost:8090")
	cfg.Layout.PerRow = parseInt(getEnv("LAYOUT_PER_ROW", "10"), 10)

	cfg.Events.Stream = getEnv("EVENTS_STREAM", "plantmap:events")
	cfg.Events.MaxLen = int64(parseInt(getEnv("EVENTS_STREAM_MAXLEN", "10000"), 10000))

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// splitList "a, b,,c" -> [a b c]
func splitList(s string) []string {
	out := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
