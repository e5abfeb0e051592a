package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	ENV          string             `yaml:"env" env:"ENV" env-default:"local"`
	HTTP         HTTPServer         `yaml:"http_server"`
	STORAGE      Storage            `yaml:"storage"`
	GATEWAY      Gateway            `yaml:"gateway"`
	AUTH         AuthGRPCConfig     `yaml:"auth"`
	STREAM       Stream             `yaml:"stream"`
	CONVERSATION Conversation       `yaml:"conversation"`
	PRESCRIPTION PrescriptionMarker `yaml:"prescription"`
}

// HTTPServer is the client-facing listener (REST, SSE and WebSocket).
type HTTPServer struct {
	Address           string        `yaml:"address" env:"HTTP_ADDRESS" env-default:"localhost:8080"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env-default:"5s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env-default:"60s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env-default:"10s"`
}

type Storage struct {
	// postgres | memory
	Driver      string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"postgres"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	// users and agents loaded into the memory driver at startup
	SeedPath string `yaml:"seed_path" env:"STORAGE_SEED_PATH"`
}

// Gateway describes the upstream LLM gateway.
type Gateway struct {
	// http talks to the RAG gateway, openai calls the agent's model endpoint directly
	Driver         string        `yaml:"driver" env:"GATEWAY_DRIVER" env-default:"http"`
	BaseURL        string        `yaml:"base_url" env:"GATEWAY_BASE_URL" env-default:"http://localhost:8000"`
	AskPath        string        `yaml:"ask_path" env-default:"/api/v1/ask"`
	StreamPath     string        `yaml:"stream_path" env-default:"/api/v1/stream"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env-default:"30s"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env-default:"60s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env-default:"30s"`
	StreamBuffer   int           `yaml:"stream_buffer" env-default:"32"`
	// sent when an agent declares none; the gateway may ignore them
	DefaultSubTemplates []string `yaml:"default_sub_templates"`
}

type AuthGRPCConfig struct {
	// empty address disables token validation, callers are taken from X-User-ID
	URLAuth      string        `yaml:"URLAuth" env:"AUTH_URL"`
	Timeout      time.Duration `yaml:"timeout" env-default:"5s"`
	RetriesCount int           `yaml:"retriesCount" env-default:"3"`
	Insecure     bool          `yaml:"insecure" env:"AUTH_INSECURE" env-default:"false"`
}

type Stream struct {
	Timeout        time.Duration `yaml:"timeout" env-default:"5m"`
	PersistTimeout time.Duration `yaml:"persist_timeout" env-default:"10s"`
	Buffer         int           `yaml:"buffer" env-default:"32"`
}

type Conversation struct {
	AskFallback    string        `yaml:"ask_fallback" env-default:"Sorry, I can't answer right now."`
	StreamFallback string        `yaml:"stream_fallback" env-default:"Sorry, an error occurred while processing your request."`
	TurnWait       time.Duration `yaml:"turn_wait" env-default:"0s"`
}

type PrescriptionMarker struct {
	OpenTag  string `yaml:"open_tag" env-default:"<Rx>"`
	CloseTag string `yaml:"close_tag" env-default:"</Rx>"`
}

// MustLoadByPath parses the config file at configPath, panics on failure.
func MustLoadByPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}

	return MustLoadByPath(path)
}

// fetchConfigPath takes the path from the -config flag or,
// if it is not set, from CONFIG_PATH.
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
