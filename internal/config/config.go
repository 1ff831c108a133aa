package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort string

	// StoreBackend is one of "postgres", "mongo" or "memory".
	StoreBackend string
	DBHost       string
	DBPort       string
	DBUser       string
	DBPassword   string
	DBName       string
	MongoURI     string
	MongoDB      string

	JWTSecret string

	LogLevel string
	LogDev   bool

	DefaultAvatarURL string
	// ThreadFanoutOrder is the sort order of the per-message reply lists
	// ("asc" or "desc").
	ThreadFanoutOrder     string
	DeleteRequiresCreator bool
}

// Load reads the environment, after merging an optional .env file.
func Load() *Config {
	_ = godotenv.Load(".env")

	return &Config{
		ServerPort:            getEnv("SERVER_PORT", "8080"),
		StoreBackend:          strings.ToLower(getEnv("STORE_BACKEND", "postgres")),
		DBHost:                getEnv("DB_HOST", "localhost"),
		DBPort:                getEnv("DB_PORT", "5432"),
		DBUser:                getEnv("DB_USER", "pulse"),
		DBPassword:            getEnv("DB_PASSWORD", "pulse_dev_password"),
		DBName:                getEnv("DB_NAME", "pulse"),
		MongoURI:              getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		MongoDB:               getEnv("MONGO_DB", "pulse"),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret-change-me"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogDev:                getBool("LOG_DEV", false),
		DefaultAvatarURL:      getEnv("DEFAULT_AVATAR_URL", "/img/avatars/default.png"),
		ThreadFanoutOrder:     strings.ToLower(getEnv("THREAD_FANOUT_ORDER", "desc")),
		DeleteRequiresCreator: getBool("DELETE_REQUIRES_CREATOR", false),
	}
}

func getEnv(key, fallback string) string {
	val, exists := os.LookupEnv(key)

	if exists {
		return val
	}

	return fallback
}

func getBool(key string, fallback bool) bool {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
