package types

import "time"

// Config represents the complete gateway service configuration
type Config struct {
	MQTT    MQTTConfig    `mapstructure:"mqtt" yaml:"mqtt"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Kafka   KafkaConfig   `mapstructure:"kafka" yaml:"kafka"`
	Bridge  BridgeConfig  `mapstructure:"bridge" yaml:"bridge"`
}

// MQTTConfig holds the gateway broker connection and subscription scoping settings
type MQTTConfig struct {
	Broker       MQTTBroker       `mapstructure:"broker" yaml:"broker"`
	Auth         Credentials      `mapstructure:"auth" yaml:"auth"`
	TLS          MQTTTLS          `mapstructure:"tls" yaml:"tls"`
	Client       MQTTClient       `mapstructure:"client" yaml:"client"`
	Subscription MQTTSubscription `mapstructure:"subscription" yaml:"subscription"`
	Requests     MQTTRequests     `mapstructure:"requests" yaml:"requests"`
}

type MQTTBroker struct {
	Host       string `mapstructure:"host" yaml:"host"`
	Port       int    `mapstructure:"port" yaml:"port"`
	UseTLS     bool   `mapstructure:"use_tls" yaml:"use_tls"`
	UseOSCerts bool   `mapstructure:"use_os_certs" yaml:"use_os_certs"`
}

// Credentials is a username/password pair shared by the broker and session settings
type Credentials struct {
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

type MQTTTLS struct {
	CACertFile         string `mapstructure:"ca_cert_file" yaml:"ca_cert_file"`
	ClientCertFile     string `mapstructure:"client_cert_file" yaml:"client_cert_file"`
	ClientKeyFile      string `mapstructure:"client_key_file" yaml:"client_key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// MQTTClient holds client identity and connection lifecycle timings.
// ClientID may contain a {random} placeholder.
type MQTTClient struct {
	ClientID          string        `mapstructure:"client_id" yaml:"client_id"`
	QoS               byte          `mapstructure:"qos" yaml:"qos"`
	KeepAlive         time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReconnectMinDelay time.Duration `mapstructure:"reconnect_min_delay" yaml:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay" yaml:"reconnect_max_delay"`
	ProbeTopic        string        `mapstructure:"probe_topic" yaml:"probe_topic"`
}

// MQTTSubscription scopes the gateway event subscription. Empty fields act as wildcards.
type MQTTSubscription struct {
	Root                string   `mapstructure:"root" yaml:"root"`
	NetworkID           []string `mapstructure:"network_id" yaml:"network_id"`
	SinkID              []string `mapstructure:"sink_id" yaml:"sink_id"`
	GatewayID           []string `mapstructure:"gateway_id" yaml:"gateway_id"`
	SourceEndpoint      string   `mapstructure:"source_endpoint" yaml:"source_endpoint"`
	DestinationEndpoint string   `mapstructure:"destination_endpoint" yaml:"destination_endpoint"`
}

type MQTTRequests struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// SessionConfig holds the backend websocket session settings
type SessionConfig struct {
	Enabled            bool            `mapstructure:"enabled" yaml:"enabled"`
	Auth               Credentials     `mapstructure:"auth" yaml:"auth"`
	ProtocolVersion    int             `mapstructure:"protocol_version" yaml:"protocol_version"`
	Heartbeat          time.Duration   `mapstructure:"heartbeat" yaml:"heartbeat"`
	HandshakeTimeout   time.Duration   `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	ReconnectMinDelay  time.Duration   `mapstructure:"reconnect_min_delay" yaml:"reconnect_min_delay"`
	ReconnectMaxDelay  time.Duration   `mapstructure:"reconnect_max_delay" yaml:"reconnect_max_delay"`
	QueueSize          int             `mapstructure:"queue_size" yaml:"queue_size"`
	AuthChannel        string          `mapstructure:"auth_channel" yaml:"auth_channel"`
	Channels           []ChannelConfig `mapstructure:"channels" yaml:"channels"`
	InsecureSkipVerify bool            `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// ChannelConfig names one websocket endpoint of the backend
type ChannelConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	URL  string `mapstructure:"url" yaml:"url"`
}

// KafkaConfig holds Kafka connection settings
type KafkaConfig struct {
	Brokers  []string      `mapstructure:"brokers" yaml:"brokers"`
	Security KafkaSecurity `mapstructure:"security" yaml:"security"`
	Consumer KafkaConsumer `mapstructure:"consumer" yaml:"consumer"`
}

type KafkaSecurity struct {
	Protocol string   `mapstructure:"protocol" yaml:"protocol"`
	SSL      KafkaSSL `mapstructure:"ssl" yaml:"ssl"`
}

type KafkaSSL struct {
	Truststore KeyStore `mapstructure:"truststore" yaml:"truststore"`
	Keystore   KeyStore `mapstructure:"keystore" yaml:"keystore"`
}

// KeyStore points at a PKCS#12 file
type KeyStore struct {
	Location    string `mapstructure:"location" yaml:"location"`
	Password    string `mapstructure:"password" yaml:"password"`
	KeyPassword string `mapstructure:"key_password" yaml:"key_password"`
}

type KafkaConsumer struct {
	GroupID string `mapstructure:"group_id" yaml:"group_id"`
}

// BridgeConfig holds forwarding behavior settings
type BridgeConfig struct {
	Mapping    MappingConfig    `mapstructure:"mapping" yaml:"mapping"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
	Features   FeatureConfig    `mapstructure:"features" yaml:"features"`
	Ingest     IngestConfig     `mapstructure:"ingest" yaml:"ingest"`
	Commands   CommandConfig    `mapstructure:"commands" yaml:"commands"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter" yaml:"dead_letter"`
	Inventory  InventoryConfig  `mapstructure:"inventory" yaml:"inventory"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

type MappingConfig struct {
	KafkaPrefix string `mapstructure:"kafka_prefix" yaml:"kafka_prefix"`
}

// OutputConfig selects the record encoding written to Kafka
type OutputConfig struct {
	Format  string `mapstructure:"format" yaml:"format"`
	Flatten bool   `mapstructure:"flatten" yaml:"flatten"`
}

type FeatureConfig struct {
	Ingest   bool `mapstructure:"ingest" yaml:"ingest"`
	Commands bool `mapstructure:"commands" yaml:"commands"`
	Sessions bool `mapstructure:"sessions" yaml:"sessions"`
}

// IngestConfig bounds the queue between the MQTT callback and the Kafka writer
type IngestConfig struct {
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// CommandConfig controls the Kafka to gateway command path
type CommandConfig struct {
	Topic         string  `mapstructure:"topic" yaml:"topic"`
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

type DeadLetterConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	KafkaTopic    string        `mapstructure:"kafka_topic" yaml:"kafka_topic"`
	MQTTTopic     string        `mapstructure:"mqtt_topic" yaml:"mqtt_topic"`
}

type InventoryConfig struct {
	Size  int `mapstructure:"size" yaml:"size"`
	Nodes int `mapstructure:"nodes" yaml:"nodes"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}
