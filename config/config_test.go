package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9600, cfg.Serial.LineRate)
	assert.Equal(t, 200*time.Millisecond, cfg.Serial.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Serial.SinkTimeout)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "sensor_readings", cfg.Timescale.TableName)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
serial:
  port: /dev/ttyUSB3
  line_rate: 115200
  read_timeout: 500ms
mqtt:
  enabled: true
  topic: lab/readings
timescale:
  table_name: lab_readings
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	t.Setenv("SERIAL_LINE_RATE", "57600")
	t.Setenv("MQTT_BROKER_URL", "https://broker.example.com")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB3", cfg.Serial.Port)
	assert.Equal(t, 57600, cfg.Serial.LineRate, "env overrides file")
	assert.Equal(t, 500*time.Millisecond, cfg.Serial.ReadTimeout)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "lab/readings", cfg.MQTT.Topic)
	assert.Equal(t, "https://broker.example.com", cfg.MQTT.Broker)
	assert.Equal(t, "lab_readings", cfg.Timescale.TableName)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("SERIAL_LINE_RATE", "0")
	_, err := LoadConfig(t.TempDir())
	assert.ErrorContains(t, err, "line_rate")
}

func TestLoadConfigBrokenFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("serial: [unclosed"), 0o600))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Timescale.TableName = "readings; DROP TABLE x"
	assert.Error(t, cfg.Validate())

	cfg = GetDefaultConfig()
	cfg.Kafka.Enabled = true
	cfg.Kafka.Topic = ""
	assert.Error(t, cfg.Validate())
}

func TestGetMQTTBrokerURL(t *testing.T) {
	tests := []struct {
		broker string
		want   string
	}{
		{"tcp://localhost", "tcp://localhost:1883"},
		{"tcp://localhost:1884", "tcp://localhost:1884"},
		{"wss://broker.example.com", "wss://broker.example.com:1883"},
		{"http://broker.example.com", "tcp://broker.example.com:1883"},
		{"https://broker.example.com:8883", "ssl://broker.example.com:8883"},
		{"broker.local", "tcp://broker.local:1883"},
	}

	for _, tt := range tests {
		cfg := GetDefaultConfig()
		cfg.MQTT.Broker = tt.broker
		assert.Equal(t, tt.want, cfg.GetMQTTBrokerURL(), tt.broker)
	}
}

func TestGetDBConnString(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=postgres dbname=iot_data sslmode=disable",
		cfg.GetDBConnString())
}
