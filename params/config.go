package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	DataDir      string // pebble directory
	APIAddr      string
	LogFile      string
	LogLevel     string
	TradeHistory int // trades kept in memory per pair

	// FeedToken guards POST /markets/{symbol}/price. Empty disables the endpoint.
	FeedToken string
	// AuthWindow is how far a signed request's timestamp may drift from now.
	AuthWindow time.Duration
	// AllowedOrigins for CORS. "*" allows any origin.
	AllowedOrigins []string
}

// Feeds configures the market-data sinks. A sink is enabled when its
// address is set.
type Feeds struct {
	BufferSize int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string

	NatsURL string

	GossipListen    string
	GossipBootstrap []string
	GossipTopic     string
}

type PriceFeed struct {
	Simulate bool
}

type Config struct {
	Node      Node
	Feeds     Feeds
	PriceFeed PriceFeed
	// MarketsFile is an optional YAML file replacing DefaultMarkets.
	MarketsFile string
	Markets     MarketsFile
}

func Default() Config {
	return Config{
		Node: Node{
			DataDir:        "data/db",
			APIAddr:        ":8080",
			LogFile:        "data/node.log",
			LogLevel:       "info",
			TradeHistory:   1000,
			AuthWindow:     5 * time.Minute,
			AllowedOrigins: []string{"*"},
		},
		Feeds: Feeds{
			BufferSize:  1024,
			KafkaTopic:  "hyperspot.market-data",
			GossipTopic: "hyperspot-market-data",
		},
		PriceFeed: PriceFeed{Simulate: true},
		Markets:   DefaultMarkets(),
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.FeedToken = os.Getenv("FEED_TOKEN")
	if n, ok := getInt("TRADE_HISTORY"); ok && n > 0 {
		cfg.Node.TradeHistory = n
	}
	if sec, ok := getInt("AUTH_WINDOW_SEC"); ok && sec > 0 {
		cfg.Node.AuthWindow = time.Duration(sec) * time.Second
	}
	if origins := getList("CORS_ORIGINS"); len(origins) > 0 {
		cfg.Node.AllowedOrigins = origins
	}

	if n, ok := getInt("FEED_BUFFER"); ok && n > 0 {
		cfg.Feeds.BufferSize = n
	}
	cfg.Feeds.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.Feeds.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if db, ok := getInt("REDIS_DB"); ok {
		cfg.Feeds.RedisDB = db
	}
	cfg.Feeds.KafkaBrokers = getList("KAFKA_BROKERS")
	cfg.Feeds.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Feeds.KafkaTopic)
	cfg.Feeds.NatsURL = os.Getenv("NATS_URL")
	cfg.Feeds.GossipListen = os.Getenv("GOSSIP_LISTEN")
	cfg.Feeds.GossipBootstrap = getList("GOSSIP_BOOTSTRAP")
	cfg.Feeds.GossipTopic = getEnv("GOSSIP_TOPIC", cfg.Feeds.GossipTopic)

	if sim := os.Getenv("SIMULATE_PRICES"); sim != "" {
		cfg.PriceFeed.Simulate = sim == "true"
	}

	if path := os.Getenv("MARKETS_FILE"); path != "" {
		mf, err := LoadMarketsFile(path)
		if err != nil {
			return cfg, err
		}
		cfg.MarketsFile = path
		cfg.Markets = mf
	}
	return cfg, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// getList splits a comma-separated variable, e.g. "host1:9092,host2:9092"
func getList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
