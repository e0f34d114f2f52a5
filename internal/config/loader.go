// Package config loads the gateway service configuration from a YAML file,
// applies MESHGW_ environment overrides and defaults, and validates the result.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"meshgw/internal/topic"
	"meshgw/pkg/types"
	"meshgw/pkg/validation"
)

// EnvPrefix prefixes environment overrides, e.g. MESHGW_MQTT_BROKER_HOST.
const EnvPrefix = "MESHGW"

const (
	DefaultKafkaPrefix  = "meshgw"
	DefaultRequestsRoot = "gw-request/send_data"
)

const (
	maxKafkaTopicLength  = 249
	maxChannelNameLength = 64
	// "-" and the eight characters {random} expands to
	randomSuffixLength = 9
)

// envKeys can be overridden from the environment even when absent from the file.
var envKeys = []string{
	"mqtt.broker.host",
	"mqtt.broker.port",
	"mqtt.auth.username",
	"mqtt.auth.password",
	"mqtt.client.client_id",
	"session.auth.username",
	"session.auth.password",
	"kafka.brokers",
	"kafka.consumer.group_id",
	"kafka.security.ssl.truststore.password",
	"kafka.security.ssl.keystore.password",
	"kafka.security.ssl.keystore.key_password",
	"bridge.metrics.listen",
	"bridge.logging.level",
}

// LoadFromFile reads, defaults and fully validates the configuration at configPath.
func LoadFromFile(configPath string) (*types.Config, error) {
	return load(configPath, false)
}

// LoadForTesting is LoadFromFile without the certificate location checks.
func LoadForTesting(configPath string) (*types.Config, error) {
	return load(configPath, true)
}

func load(configPath string, testMode bool) (*types.Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}
	if err := validation.ValidateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	config := &types.Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(config)
	if err := Validate(config, testMode); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// GetConfigPath returns the configuration file path from environment or default
func GetConfigPath() string {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return configPath
	}
	if configDir := os.Getenv("CONFIGS_DIR"); configDir != "" {
		return strings.TrimSuffix(configDir, "/") + "/config.yaml"
	}
	return "./configs/config.yaml"
}

// ApplyDefaults fills every unset field that has a sensible default.
func ApplyDefaults(config *types.Config) {
	client := &config.MQTT.Client
	if client.ClientID == "" {
		client.ClientID = "meshgw-{random}"
	}
	setDuration(&client.KeepAlive, 30*time.Second)
	setDuration(&client.ConnectTimeout, 10*time.Second)
	setDuration(&client.ReconnectMinDelay, time.Second)
	setDuration(&client.ReconnectMaxDelay, time.Minute)
	if config.MQTT.Subscription.Root == "" {
		config.MQTT.Subscription.Root = topic.DefaultRoot
	}
	if config.MQTT.Requests.Root == "" {
		config.MQTT.Requests.Root = DefaultRequestsRoot
	}

	session := &config.Session
	if session.ProtocolVersion == 0 {
		session.ProtocolVersion = 1
	}
	setDuration(&session.Heartbeat, 30*time.Second)
	setDuration(&session.HandshakeTimeout, 10*time.Second)
	setDuration(&session.ReconnectMinDelay, time.Second)
	setDuration(&session.ReconnectMaxDelay, time.Minute)
	if session.QueueSize == 0 {
		session.QueueSize = 64
	}
	if session.AuthChannel == "" && len(session.Channels) > 0 {
		session.AuthChannel = session.Channels[0].Name
	}

	if config.Kafka.Security.Protocol == "" {
		config.Kafka.Security.Protocol = "PLAINTEXT"
	}
	if config.Kafka.Consumer.GroupID == "" {
		config.Kafka.Consumer.GroupID = "meshgw"
	}

	bridge := &config.Bridge
	if bridge.Mapping.KafkaPrefix == "" {
		bridge.Mapping.KafkaPrefix = DefaultKafkaPrefix
	}
	if bridge.Output.Format == "" {
		bridge.Output.Format = "json"
	}
	if bridge.Commands.Topic == "" {
		bridge.Commands.Topic = bridge.Mapping.KafkaPrefix + ".commands"
	}
	if bridge.Commands.RatePerSecond > 0 && bridge.Commands.Burst == 0 {
		bridge.Commands.Burst = 1
	}
	if bridge.DeadLetter.MaxRetries == 0 {
		bridge.DeadLetter.MaxRetries = 3
	}
	setDuration(&bridge.DeadLetter.RetryInterval, 30*time.Second)
	if bridge.DeadLetter.Enabled && bridge.DeadLetter.KafkaTopic == "" && bridge.DeadLetter.MQTTTopic == "" {
		bridge.DeadLetter.KafkaTopic = bridge.Mapping.KafkaPrefix + ".deadletter"
	}
	if bridge.Ingest.QueueSize == 0 {
		bridge.Ingest.QueueSize = 1024
	}
	if bridge.Inventory.Size == 0 {
		bridge.Inventory.Size = 1024
	}
	if bridge.Inventory.Nodes == 0 {
		bridge.Inventory.Nodes = 4096
	}
	if bridge.Logging.Level == "" {
		bridge.Logging.Level = "info"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks required fields and logical consistency. It also sanitises
// credentials and the client id in place. testMode skips certificate location checks.
func Validate(config *types.Config, testMode bool) error {
	features := config.Bridge.Features
	if !features.Ingest && !features.Commands && !features.Sessions {
		return fmt.Errorf("at least one bridge feature must be enabled")
	}

	if features.Ingest || features.Commands {
		if err := validateMQTT(&config.MQTT, testMode); err != nil {
			return err
		}
	}
	if config.Session.Enabled || features.Sessions {
		if !config.Session.Enabled {
			return fmt.Errorf("bridge.features.sessions requires session.enabled")
		}
		if err := validateSession(&config.Session); err != nil {
			return err
		}
	}
	if err := validateKafka(&config.Kafka, testMode); err != nil {
		return err
	}
	return validateBridge(&config.Bridge)
}

func validateMQTT(mqtt *types.MQTTConfig, testMode bool) error {
	if mqtt.Broker.Host == "" {
		return fmt.Errorf("MQTT broker host is required")
	}
	if mqtt.Broker.Port == 0 {
		return fmt.Errorf("MQTT broker port is required")
	}
	if err := validation.ValidateMQTTBroker(mqtt.Broker.Host, mqtt.Broker.Port); err != nil {
		return fmt.Errorf("invalid MQTT broker configuration: %w", err)
	}

	client := mqtt.Client
	if client.QoS > 2 {
		return fmt.Errorf("MQTT QoS must be 0, 1 or 2, got %d", client.QoS)
	}
	if client.KeepAlive <= 0 {
		return fmt.Errorf("MQTT keep alive must be positive")
	}
	if err := validateReconnect("MQTT", client.ReconnectMinDelay, client.ReconnectMaxDelay); err != nil {
		return err
	}

	sub := mqtt.Subscription
	if err := validation.ValidateTopicRoot(sub.Root); err != nil {
		return fmt.Errorf("invalid subscription root: %w", err)
	}
	if err := validation.ValidateTopicRoot(mqtt.Requests.Root); err != nil {
		return fmt.Errorf("invalid requests root: %w", err)
	}
	scopes := []struct {
		field string
		ids   []string
	}{{"network_id", sub.NetworkID}, {"sink_id", sub.SinkID}, {"gateway_id", sub.GatewayID}}
	for _, scope := range scopes {
		for _, id := range scope.ids {
			if err := validation.ValidateTopicLevel(id); err != nil {
				return fmt.Errorf("invalid subscription %s: %w", scope.field, err)
			}
		}
	}
	if _, err := topic.FromConfig(sub); err != nil {
		return fmt.Errorf("invalid subscription: %w", err)
	}

	if mqtt.Broker.UseTLS && !testMode {
		for name, path := range map[string]string{
			"CA certificate":     mqtt.TLS.CACertFile,
			"client certificate": mqtt.TLS.ClientCertFile,
			"client key":         mqtt.TLS.ClientKeyFile,
		} {
			if path == "" {
				continue
			}
			if err := validation.ValidateSSLFilePath(path, nil); err != nil {
				return fmt.Errorf("invalid %s path: %w", name, err)
			}
		}
	}

	if mqtt.Auth.Username != "" {
		mqtt.Auth.Username = validation.SanitizeUsername(mqtt.Auth.Username)
	}
	if mqtt.Auth.Password != "" {
		mqtt.Auth.Password = validation.SanitizePassword(mqtt.Auth.Password)
	}
	mqtt.Client.ClientID = sanitizeClientIDTemplate(mqtt.Client.ClientID)
	return nil
}

// sanitizeClientIDTemplate cleans the fixed part of a client id and keeps a
// trailing {random} placeholder. The expanded id stays within the MQTT limit.
func sanitizeClientIDTemplate(id string) string {
	if id == "" {
		return id
	}
	base := id
	if idx := strings.Index(base, "{"); idx >= 0 {
		base = base[:idx]
	}
	base = validation.SanitizeClientID(strings.TrimSuffix(base, "-"))
	if !strings.Contains(id, "{random}") {
		return base
	}
	base = validation.Truncate(base, validation.MaxClientIDLength-randomSuffixLength)
	return strings.TrimSuffix(base, "-") + "-{random}"
}

func validateSession(session *types.SessionConfig) error {
	if len(session.Channels) == 0 {
		return fmt.Errorf("session requires at least one channel")
	}
	session.AuthChannel = validation.SanitizeConfigString(session.AuthChannel, maxChannelNameLength)
	found := false
	for i := range session.Channels {
		ch := &session.Channels[i]
		ch.Name = validation.SanitizeConfigString(ch.Name, maxChannelNameLength)
		ch.URL = validation.SanitizeConfigString(ch.URL, 0)
		if ch.Name == "" {
			return fmt.Errorf("session channel with URL %s has no name", ch.URL)
		}
		if err := validation.ValidateSessionURL(ch.URL); err != nil {
			return fmt.Errorf("invalid session channel %s: %w", ch.Name, err)
		}
		found = found || ch.Name == session.AuthChannel
	}
	if !found {
		return fmt.Errorf("session auth channel %q is not among the configured channels", session.AuthChannel)
	}
	if session.Auth.Username == "" {
		return fmt.Errorf("session username is required")
	}
	session.Auth.Username = validation.SanitizeUsername(session.Auth.Username)
	session.Auth.Password = validation.SanitizePassword(session.Auth.Password)
	if session.Heartbeat <= 0 {
		return fmt.Errorf("session heartbeat must be positive")
	}
	if session.QueueSize < 0 {
		return fmt.Errorf("session queue size cannot be negative")
	}
	return validateReconnect("session", session.ReconnectMinDelay, session.ReconnectMaxDelay)
}

func validateReconnect(name string, minDelay, maxDelay time.Duration) error {
	if minDelay <= 0 {
		return fmt.Errorf("%s reconnect min delay must be positive", name)
	}
	if maxDelay < minDelay {
		return fmt.Errorf("%s reconnect max delay %v is below min delay %v", name, maxDelay, minDelay)
	}
	return nil
}

func validateKafka(kafka *types.KafkaConfig, testMode bool) error {
	if len(kafka.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required")
	}
	for _, broker := range kafka.Brokers {
		if err := validation.ValidateBrokerAddress(broker); err != nil {
			return fmt.Errorf("invalid Kafka broker address %s: %w", broker, err)
		}
	}

	protocol := strings.ToUpper(kafka.Security.Protocol)
	if protocol != "PLAINTEXT" && protocol != "SSL" {
		return fmt.Errorf("unsupported Kafka security protocol %q", kafka.Security.Protocol)
	}
	if protocol == "SSL" && !testMode {
		allowedDirs := []string{"/etc/ssl", "/opt/kafka/ssl", "./ssl", "./certs", "./config/ssl"}
		if homeDir, err := os.UserHomeDir(); err == nil {
			allowedDirs = append(allowedDirs, homeDir+"/.kafka/ssl", homeDir+"/.ssl")
		}
		if loc := kafka.Security.SSL.Keystore.Location; loc != "" {
			if err := validation.ValidateSSLFilePath(loc, allowedDirs); err != nil {
				return fmt.Errorf("invalid keystore path: %w", err)
			}
		}
		if loc := kafka.Security.SSL.Truststore.Location; loc != "" {
			if err := validation.ValidateSSLFilePath(loc, allowedDirs); err != nil {
				return fmt.Errorf("invalid truststore path: %w", err)
			}
		}
	}
	return nil
}

func validateBridge(bridge *types.BridgeConfig) error {
	bridge.Mapping.KafkaPrefix = validation.SanitizeConfigString(bridge.Mapping.KafkaPrefix, maxKafkaTopicLength)
	bridge.Commands.Topic = validation.SanitizeConfigString(bridge.Commands.Topic, maxKafkaTopicLength)
	bridge.DeadLetter.KafkaTopic = validation.SanitizeConfigString(bridge.DeadLetter.KafkaTopic, maxKafkaTopicLength)
	bridge.DeadLetter.MQTTTopic = validation.SanitizeConfigString(bridge.DeadLetter.MQTTTopic, 0)
	bridge.Metrics.Listen = validation.SanitizeConfigString(bridge.Metrics.Listen, 0)
	bridge.Logging.Level = strings.ToLower(validation.SanitizeConfigString(bridge.Logging.Level, 0))

	if bridge.Mapping.KafkaPrefix == "" {
		return fmt.Errorf("kafka prefix is required")
	}
	if strings.ContainsAny(bridge.Mapping.KafkaPrefix, "/ ") {
		return fmt.Errorf("kafka prefix %q must not contain '/' or spaces", bridge.Mapping.KafkaPrefix)
	}
	if f := bridge.Output.Format; f != "json" && f != "cbor" {
		return fmt.Errorf("output format must be json or cbor, got %q", f)
	}
	if bridge.Commands.RatePerSecond < 0 {
		return fmt.Errorf("command rate cannot be negative")
	}
	if bridge.DeadLetter.Enabled {
		if bridge.DeadLetter.MaxRetries < 1 {
			return fmt.Errorf("dead letter max retries must be at least 1")
		}
		if bridge.DeadLetter.RetryInterval <= 0 {
			return fmt.Errorf("dead letter retry interval must be positive")
		}
	}
	if bridge.Ingest.QueueSize < 0 {
		return fmt.Errorf("ingest queue size cannot be negative")
	}
	if bridge.Inventory.Size < 0 || bridge.Inventory.Nodes < 0 {
		return fmt.Errorf("inventory size cannot be negative")
	}
	return nil
}
