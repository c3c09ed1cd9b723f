package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	SensorFile   string          `mapstructure:"sensor_file"`
	Station      string          `mapstructure:"station"`
	Interval     float64         `mapstructure:"interval"`
	Count        int             `mapstructure:"count"`
	Seed         uint64          `mapstructure:"seed"`
	BackfillFrom string          `mapstructure:"backfill_from"`
	Output       OutputConfig    `mapstructure:"output"`
	MQTT         MQTTConfig      `mapstructure:"mqtt"`
	Kafka        KafkaConfig     `mapstructure:"kafka"`
	Influx       InfluxConfig    `mapstructure:"influx"`
	Database     DatabaseConfig  `mapstructure:"database"`
	Timescale    TimescaleConfig `mapstructure:"timescale"`
	Log          LogConfig       `mapstructure:"log"`
}

// OutputConfig holds the console and file sink settings
type OutputConfig struct {
	File    string `mapstructure:"file"`
	Format  string `mapstructure:"format"`
	Console bool   `mapstructure:"console"`
}

// MQTTConfig holds MQTT publishing configuration
type MQTTConfig struct {
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	QoS      int    `mapstructure:"qos"`
}

// KafkaConfig holds Kafka publishing configuration
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// InfluxConfig holds InfluxDB v2 write configuration
type InfluxConfig struct {
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// DatabaseConfig holds Postgres connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// TimescaleConfig holds Timescale specific configuration
type TimescaleConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	TableName string `mapstructure:"table_name"`
}

// LogConfig selects log verbosity and rendering
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"config":         "sensor_file",
	"station":        "station",
	"interval":       "interval",
	"count":          "count",
	"seed":           "seed",
	"backfill-from":  "backfill_from",
	"output":         "output.file",
	"format":         "output.format",
	"console":        "output.console",
	"mqtt-hostname":  "mqtt.hostname",
	"mqtt-port":      "mqtt.port",
	"mqtt-topic":     "mqtt.topic",
	"mqtt-client-id": "mqtt.client_id",
	"mqtt-qos":       "mqtt.qos",
	"kafka-brokers":  "kafka.brokers",
	"kafka-topic":    "kafka.topic",
	"influx-url":     "influx.url",
	"influx-token":   "influx.token",
	"influx-org":     "influx.org",
	"influx-bucket":  "influx.bucket",
	"timescale":      "timescale.enabled",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

// config key -> environment variable
var envKeys = map[string]string{
	"sensor_file":          "SENSOR_CONFIG",
	"station":              "STATION",
	"interval":             "INTERVAL",
	"count":                "COUNT",
	"seed":                 "SEED",
	"output.file":          "OUTPUT",
	"output.format":        "OUTPUT_FORMAT",
	"mqtt.hostname":        "MQTT_HOSTNAME",
	"mqtt.port":            "MQTT_PORT",
	"mqtt.topic":           "MQTT_TOPIC",
	"mqtt.client_id":       "MQTT_CLIENT_ID",
	"mqtt.qos":             "MQTT_QOS",
	"kafka.brokers":        "KAFKA_BROKERS",
	"kafka.topic":          "KAFKA_TOPIC",
	"influx.url":           "INFLUX_URL",
	"influx.token":         "INFLUX_TOKEN",
	"influx.org":           "INFLUX_ORG",
	"influx.bucket":        "INFLUX_BUCKET",
	"influx.measurement":   "INFLUX_MEASUREMENT",
	"database.host":        "DATABASE_HOST",
	"database.port":        "DATABASE_PORT",
	"database.user":        "DATABASE_USER",
	"database.password":    "DATABASE_PASSWORD",
	"database.dbname":      "DATABASE_DBNAME",
	"database.sslmode":     "DATABASE_SSLMODE",
	"timescale.enabled":    "TIMESCALE_ENABLED",
	"timescale.table_name": "TIMESCALE_TABLE_NAME",
	"log.level":            "LOG_LEVEL",
	"log.format":           "LOG_FORMAT",
}

// NewFlagSet declares the command line surface.
func NewFlagSet(name string) *pflag.FlagSet {
	d := GetDefaultConfig()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", d.SensorFile, "Sensor configuration file (YAML)")
	fs.String("station", d.Station, "Station name used when the sensor file does not set one")
	fs.Float64("interval", d.Interval, "Seconds between ticks")
	fs.Int("count", d.Count, "Number of ticks (-1 = run until interrupted)")
	fs.Uint64("seed", d.Seed, "Random seed (0 = seed from entropy)")
	fs.String("backfill-from", d.BackfillFrom, "Generate backdated readings from this date (e.g. 2020-01-31) until now")
	fs.StringP("output", "o", d.Output.File, "Append readings to this file")
	fs.String("format", d.Output.Format, "Line format for console and file output: json or csv")
	fs.Bool("console", d.Output.Console, "Also write readings to standard output")
	fs.String("mqtt-hostname", d.MQTT.Hostname, "MQTT broker hostname")
	fs.Int("mqtt-port", d.MQTT.Port, "MQTT broker port")
	fs.String("mqtt-topic", d.MQTT.Topic, "MQTT topic to publish readings to")
	fs.String("mqtt-client-id", d.MQTT.ClientID, "MQTT client id (random when empty)")
	fs.Int("mqtt-qos", d.MQTT.QoS, "MQTT publish QoS (0, 1 or 2)")
	fs.StringSlice("kafka-brokers", d.Kafka.Brokers, "Kafka brokers to publish readings to")
	fs.String("kafka-topic", d.Kafka.Topic, "Kafka topic")
	fs.String("influx-url", d.Influx.URL, "InfluxDB URL")
	fs.String("influx-token", d.Influx.Token, "InfluxDB auth token")
	fs.String("influx-org", d.Influx.Org, "InfluxDB organization")
	fs.String("influx-bucket", d.Influx.Bucket, "InfluxDB bucket")
	fs.Bool("timescale", d.Timescale.Enabled, "Insert readings into TimescaleDB")
	fs.String("log-level", d.Log.Level, "Log level")
	fs.String("log-format", d.Log.Format, "Log format: json or console")
	return fs
}

// LoadConfig parses args and merges them with environment variables, an
// optional simulator.yaml found in path and defaults, in that order of
// precedence.
func LoadConfig(path string, args []string) (*Config, error) {
	fs := NewFlagSet("water-sensor-sim")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()

	// Set default values first (lowest precedence)
	d := GetDefaultConfig()
	v.SetDefault("influx.measurement", d.Influx.Measurement)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.dbname", d.Database.DBName)
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("timescale.table_name", d.Timescale.TableName)

	// Flags only override the lower layers when given explicitly
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	v.AddConfigPath(path)
	v.SetConfigName("simulator")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading settings file: %w", err)
		}
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

// GetDefaultConfig returns default configuration
func GetDefaultConfig() *Config {
	return &Config{
		SensorFile: "sensors.yaml",
		Station:    "station",
		Interval:   0.5,
		Count:      -1,
		Output: OutputConfig{
			Format: "json",
		},
		Influx: InfluxConfig{
			Measurement: "water_quality",
		},
		Database: DatabaseConfig{
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
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects settings the simulator cannot start with
func (c *Config) Validate() error {
	if c.SensorFile == "" {
		return errors.New("sensor configuration file must be provided")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval %v must not be negative", c.Interval)
	}
	if c.Count < -1 {
		return fmt.Errorf("count %d must be -1 or greater", c.Count)
	}
	if _, err := c.BackfillStart(); err != nil {
		return err
	}
	if c.BackfillFrom != "" && c.Interval <= 0 {
		return fmt.Errorf("backfill requires a positive interval, got %v", c.Interval)
	}

	set := 0
	for _, ok := range []bool{c.MQTT.Topic != "", c.MQTT.Hostname != "", c.MQTT.Port != 0} {
		if ok {
			set++
		}
	}
	if set != 0 && set != 3 {
		return errors.New("mqtt topic, hostname and port must be given together")
	}
	if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port %d out of range", c.MQTT.Port)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos %d must be 0, 1 or 2", c.MQTT.QoS)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka topic is required when brokers are set")
	}
	if c.Influx.URL != "" && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return errors.New("influx org and bucket are required when url is set")
	}
	return nil
}

// IntervalDuration returns the tick interval
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval * float64(time.Second))
}

// BackfillStart parses BackfillFrom, returning the zero time when unset
func (c *Config) BackfillStart() (time.Time, error) {
	if c.BackfillFrom == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", c.BackfillFrom, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid backfill date %q: %w", c.BackfillFrom, err)
	}
	return t, nil
}

// MQTTEnabled reports whether the MQTT sink is configured
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Topic != "" && c.MQTT.Hostname != "" && c.MQTT.Port != 0
}

// MQTTHost returns the broker hostname without any URL scheme
func (c *Config) MQTTHost() string {
	if i := strings.Index(c.MQTT.Hostname, "://"); i >= 0 {
		return c.MQTT.Hostname[i+3:]
	}
	return c.MQTT.Hostname
}

// GetMQTTBrokerURL returns the MQTT broker URL
func (c *Config) GetMQTTBrokerURL() string {
	host := c.MQTT.Hostname
	for _, scheme := range []string{"tcp://", "ssl://", "ws://", "wss://"} {
		if strings.HasPrefix(host, scheme) {
			return fmt.Sprintf("%s:%d", host, c.MQTT.Port)
		}
	}
	return fmt.Sprintf("tcp://%s:%d", host, c.MQTT.Port)
}

// GetDBConnString returns the database connection string
func (c *Config) GetDBConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}
