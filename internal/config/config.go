package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	HTTPPort        string          `yaml:"http_port" validate:"required"`
	GRPCPort        string          `yaml:"grpc_port" validate:"required"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" validate:"gt=0"`
	Database        DatabaseConfig  `yaml:"database"`
	Kafka           KafkaConfig     `yaml:"kafka"`
	Redis           RedisConfig     `yaml:"redis"`
	Auth            AuthConfig      `yaml:"auth"`
	Inference       InferenceConfig `yaml:"inference"`
	Storage         StorageConfig   `yaml:"storage"`
	Scheduler       SchedulerConfig `yaml:"scheduler"`
}

type DatabaseConfig struct {
	DSN            string        `yaml:"dsn" validate:"required"`
	AutoMigrate    bool          `yaml:"auto_migrate"`
	MaxConns       int32         `yaml:"max_conns" validate:"gte=1"`
	InitRetries    int           `yaml:"init_retries" validate:"gte=1"`
	InitDelay      time.Duration `yaml:"init_delay"`
	AcquireRetries int           `yaml:"acquire_retries" validate:"gte=1"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" validate:"gt=0"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" validate:"gt=0"`
	ResetThreshold int           `yaml:"reset_threshold" validate:"gte=1"`
}

// KafkaConfig is optional: with no broker, notifications are only logged.
type KafkaConfig struct {
	Broker        string        `yaml:"broker"`
	Topic         string        `yaml:"topic" validate:"required"`
	NotifyTimeout time.Duration `yaml:"notify_timeout" validate:"gt=0"`
}

// RedisConfig is optional: with no address, the catalog is read straight from the database.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" validate:"required"`
}

type InferenceConfig struct {
	Provider    string          `yaml:"provider" validate:"oneof=remote local disabled"`
	Timeout     time.Duration   `yaml:"timeout" validate:"gt=0"`
	Concurrency int             `yaml:"concurrency" validate:"gte=1"`
	Remote      RemoteInference `yaml:"remote"`
	Local       LocalInference  `yaml:"local"`
}

type RemoteInference struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	Workspace string `yaml:"workspace"`
	Workflow  string `yaml:"workflow"`
}

type LocalInference struct {
	Python string `yaml:"python"`
	Script string `yaml:"script"`
	Model  string `yaml:"model"`
}

type StorageConfig struct {
	UploadDir string `yaml:"upload_dir" validate:"required"`
}

type SchedulerConfig struct {
	ReminderSpec string `yaml:"reminder_spec" validate:"required"`
	HealthSpec   string `yaml:"health_spec" validate:"required"`
}

func Default() Config {
	return Config{
		HTTPPort:        ":8080",
		GRPCPort:        ":50053",
		ShutdownTimeout: 15 * time.Second,
		Database: DatabaseConfig{
			AutoMigrate:    true,
			MaxConns:       10,
			InitRetries:    3,
			InitDelay:      2 * time.Second,
			AcquireRetries: 3,
			RetryDelay:     500 * time.Millisecond,
			AcquireTimeout: 5 * time.Second,
			ProbeTimeout:   2 * time.Second,
			ResetThreshold: 3,
		},
		Kafka: KafkaConfig{
			Topic:         "appointment_topic",
			NotifyTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			TTL: 10 * time.Minute,
		},
		Inference: InferenceConfig{
			Provider:    "remote",
			Timeout:     30 * time.Second,
			Concurrency: 4,
			Remote: RemoteInference{
				URL: "https://serverless.roboflow.com",
			},
			Local: LocalInference{
				Python: "python3",
				Script: "scripts/yolo_worker.py",
				Model:  "models/best.pt",
			},
		},
		Storage: StorageConfig{
			UploadDir: "uploads",
		},
		Scheduler: SchedulerConfig{
			ReminderSpec: "0 8 * * *",
			HealthSpec:   "@every 30s",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// APP_CONFIG_FILE and the environment, in that order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("APP_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}
	if cfg.Inference.Provider == "remote" && cfg.Inference.Remote.URL == "" {
		return fmt.Errorf("inference.remote.url is required for the remote provider")
	}
	if cfg.Inference.Provider == "local" && cfg.Inference.Local.Script == "" {
		return fmt.Errorf("inference.local.script is required for the local provider")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTPPort, "HTTP_PORT")
	setString(&cfg.GRPCPort, "APPT_PORT")
	setString(&cfg.Database.DSN, "DATABASE_URL")
	setString(&cfg.Kafka.Broker, "KAFKA_BROKER")
	setString(&cfg.Kafka.Topic, "KAFKA_TOPIC")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Inference.Provider, "INFERENCE_PROVIDER")
	setString(&cfg.Inference.Remote.URL, "ROBOFLOW_API_URL")
	setString(&cfg.Inference.Remote.APIKey, "ROBOFLOW_API_KEY")
	setString(&cfg.Inference.Remote.Workspace, "ROBOFLOW_WORKSPACE")
	setString(&cfg.Inference.Remote.Workflow, "ROBOFLOW_WORKFLOW")
	setString(&cfg.Inference.Local.Python, "YOLO_PYTHON")
	setString(&cfg.Inference.Local.Script, "YOLO_WORKER_SCRIPT")
	setString(&cfg.Inference.Local.Model, "YOLO_MODEL_PATH")
	setString(&cfg.Storage.UploadDir, "UPLOAD_DIR")
	setString(&cfg.Scheduler.ReminderSpec, "REMINDER_CRON")

	durations := map[string]*time.Duration{
		"INFERENCE_TIMEOUT":  &cfg.Inference.Timeout,
		"DB_ACQUIRE_TIMEOUT": &cfg.Database.AcquireTimeout,
		"SHUTDOWN_TIMEOUT":   &cfg.ShutdownTimeout,
	}
	for key, dst := range durations {
		if err := setDuration(dst, key); err != nil {
			return err
		}
	}

	if v, ok := lookup("DB_MAX_CONNS"); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("DB_MAX_CONNS: %w", err)
		}
		cfg.Database.MaxConns = int32(n)
	}
	if v, ok := lookup("INFERENCE_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INFERENCE_CONCURRENCY: %w", err)
		}
		cfg.Inference.Concurrency = n
	}
	if v, ok := lookup("DB_AUTO_MIGRATE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DB_AUTO_MIGRATE: %w", err)
		}
		cfg.Database.AutoMigrate = b
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
