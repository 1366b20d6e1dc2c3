package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Serial          SerialConfig          `mapstructure:"serial"`
	HTTP            HTTPConfig            `mapstructure:"http"`
	MQTT            MQTTConfig            `mapstructure:"mqtt"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Timescale       TimescaleConfig       `mapstructure:"timescale"`
	Kafka           KafkaConfig           `mapstructure:"kafka"`
	Recommendations RecommendationsConfig `mapstructure:"recommendations"`
	Log             LogConfig             `mapstructure:"log"`
}

// SerialConfig holds the serial line configuration
type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	LineRate    int           `mapstructure:"line_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	DeviceID    string        `mapstructure:"device_id"`
	ReplayFile  string        `mapstructure:"replay_file"`
	AutoConnect bool          `mapstructure:"auto_connect"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

// HTTPConfig holds the API server configuration
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MQTTConfig holds MQTT connection configuration
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// DatabaseConfig holds Postgres connection configuration
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// TimescaleConfig holds Timescale specific configuration
type TimescaleConfig struct {
	TableName string `mapstructure:"table_name"`
}

// KafkaConfig holds the Kafka producer configuration
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// RecommendationsConfig holds the text generation service configuration
type RecommendationsConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// envBindings maps every key to its environment variable
var envBindings = map[string]string{
	"serial.port":         "SERIAL_PORT",
	"serial.line_rate":    "SERIAL_LINE_RATE",
	"serial.read_timeout": "SERIAL_READ_TIMEOUT",
	"serial.device_id":    "SERIAL_DEVICE_ID",
	"serial.replay_file":  "SERIAL_REPLAY_FILE",
	"serial.auto_connect": "SERIAL_AUTO_CONNECT",
	"serial.sink_timeout": "SERIAL_SINK_TIMEOUT",

	"http.addr":             "HTTP_ADDR",
	"http.allowed_origins":  "HTTP_ALLOWED_ORIGINS",
	"http.shutdown_timeout": "HTTP_SHUTDOWN_TIMEOUT",

	"mqtt.enabled":   "MQTT_ENABLED",
	"mqtt.port":      "MQTT_PORT",
	"mqtt.client_id": "MQTT_CLIENT_ID",
	"mqtt.topic":     "MQTT_TOPIC",
	"mqtt.username":  "MQTT_USERNAME",
	"mqtt.password":  "MQTT_PASSWORD",

	"database.enabled":  "DATABASE_ENABLED",
	"database.host":     "DATABASE_HOST",
	"database.port":     "DATABASE_PORT",
	"database.user":     "DATABASE_USER",
	"database.password": "DATABASE_PASSWORD",
	"database.dbname":   "DATABASE_DBNAME",
	"database.sslmode":  "DATABASE_SSLMODE",

	"timescale.table_name": "TIMESCALE_TABLE_NAME",

	"kafka.enabled": "KAFKA_ENABLED",
	"kafka.brokers": "KAFKA_BROKERS",
	"kafka.topic":   "KAFKA_TOPIC",

	"recommendations.base_url": "RECOMMENDATIONS_BASE_URL",
	"recommendations.api_key":  "RECOMMENDATIONS_API_KEY",
	"recommendations.model":    "RECOMMENDATIONS_MODEL",
	"recommendations.timeout":  "RECOMMENDATIONS_TIMEOUT",

	"log.level":  "LOG_LEVEL",
	"log.pretty": "LOG_PRETTY",
}

// LoadConfig loads configuration from defaults, then config.yaml in path,
// then environment variables (highest precedence)
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, GetDefaultConfig())

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Example: mqtt.broker -> MQTT_BROKER
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	// Keep backward compatibility with MQTT_BROKER_URL
	if err := v.BindEnv("mqtt.broker", "MQTT_BROKER", "MQTT_BROKER_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind MQTT_BROKER_URL: %w", err)
	}

	// Try to read config file, but don't fail if it doesn't exist
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Info().Msg("No config file found, using environment variables and defaults")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("serial.port", d.Serial.Port)
	v.SetDefault("serial.line_rate", d.Serial.LineRate)
	v.SetDefault("serial.read_timeout", d.Serial.ReadTimeout)
	v.SetDefault("serial.device_id", d.Serial.DeviceID)
	v.SetDefault("serial.replay_file", d.Serial.ReplayFile)
	v.SetDefault("serial.auto_connect", d.Serial.AutoConnect)
	v.SetDefault("serial.sink_timeout", d.Serial.SinkTimeout)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.port", d.MQTT.Port)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.topic", d.MQTT.Topic)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)

	v.SetDefault("database.enabled", d.Database.Enabled)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.dbname", d.Database.DBName)
	v.SetDefault("database.sslmode", d.Database.SSLMode)

	v.SetDefault("timescale.table_name", d.Timescale.TableName)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)

	v.SetDefault("recommendations.base_url", d.Recommendations.BaseURL)
	v.SetDefault("recommendations.api_key", d.Recommendations.APIKey)
	v.SetDefault("recommendations.model", d.Recommendations.Model)
	v.SetDefault("recommendations.timeout", d.Recommendations.Timeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
}

// GetDefaultConfig returns default configuration
func GetDefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:        "", // first available port
			LineRate:    9600,
			ReadTimeout: 200 * time.Millisecond,
			DeviceID:    "weather-station",
			AutoConnect: false,
			SinkTimeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "tcp://localhost",
			Port:     1883,
			ClientID: "serial-sensors",
			Topic:    "sensors/readings",
		},
		Database: DatabaseConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			DBName:   "iot_data",
			SSLMode:  "disable",
		},
		Timescale: TimescaleConfig{
			TableName: "sensor_readings",
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "sensor-readings",
		},
		Recommendations: RecommendationsConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o",
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	if c.Serial.LineRate <= 0 {
		return fmt.Errorf("invalid serial.line_rate %d: must be positive", c.Serial.LineRate)
	}
	if c.Serial.ReadTimeout < 0 {
		return fmt.Errorf("invalid serial.read_timeout %s: must not be negative", c.Serial.ReadTimeout)
	}
	if !tableNamePattern(c.Timescale.TableName) {
		return fmt.Errorf("invalid timescale.table_name %q", c.Timescale.TableName)
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka enabled but brokers or topic missing")
	}
	return nil
}

// tableNamePattern accepts plain SQL identifiers, since the name is
// interpolated into DDL
func tableNamePattern(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// GetDBConnString returns the database connection string
func (c *Config) GetDBConnString() string {
	log.Info().
		Str("host", c.Database.Host).
		Int("port", c.Database.Port).
		Str("user", c.Database.User).
		Str("dbname", c.Database.DBName).
		Str("sslmode", c.Database.SSLMode).
		Msg("Connecting to database")
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetMQTTBrokerURL returns the MQTT broker URL
func (c *Config) GetMQTTBrokerURL() string {
	brokerURL := c.MQTT.Broker

	// If the URL already has a protocol, use it as is
	for _, scheme := range []string{"tcp://", "ssl://", "ws://", "wss://"} {
		if host, ok := strings.CutPrefix(brokerURL, scheme); ok {
			// If there's no port in the URL, add the default port
			if !strings.Contains(host, ":") {
				brokerURL = fmt.Sprintf("%s:%d", brokerURL, c.MQTT.Port)
			}
			return brokerURL
		}
	}

	// Handle http:// and https:// protocols by converting to mqtt protocols
	if host, ok := strings.CutPrefix(brokerURL, "http://"); ok {
		if !strings.Contains(host, ":") {
			host = fmt.Sprintf("%s:%d", host, c.MQTT.Port)
		}
		return fmt.Sprintf("tcp://%s", host)
	}

	if host, ok := strings.CutPrefix(brokerURL, "https://"); ok {
		if !strings.Contains(host, ":") {
			host = fmt.Sprintf("%s:%d", host, c.MQTT.Port)
		}
		return fmt.Sprintf("ssl://%s", host)
	}

	// If no protocol is specified, use tcp:// with the configured port
	log.Warn().Str("broker", brokerURL).Msg("No protocol specified in broker URL, defaulting to tcp://")
	return fmt.Sprintf("tcp://%s:%d", brokerURL, c.MQTT.Port)
}
