package types

import "time"

// RawGatewayEvent is one inbound mesh packet as reported by a gateway.
// It is created by the transport for every accepted publish and is not modified afterwards.
type RawGatewayEvent struct {
	Topic               string    `json:"mqtt_topic"`
	NetworkID           string    `json:"network_id"`
	GatewayID           string    `json:"gateway_id"`
	SinkID              string    `json:"sink_id"`
	RxTimeMs            uint64    `json:"rx_time_ms"`
	SourceAddress       string    `json:"source_address"`
	DestinationAddress  string    `json:"destination_address"`
	SourceEndpoint      uint8     `json:"source_endpoint"`
	DestinationEndpoint uint8     `json:"destination_endpoint"`
	TravelTimeMs        uint32    `json:"travel_time_ms"`
	QoS                 uint8     `json:"qos"`
	HopCount            uint8     `json:"hop_count"`
	Payload             []byte    `json:"payload"`
	ReceivedAt          time.Time `json:"received_at"`
}

// SendDataRequest asks a gateway sink to transmit a payload into the mesh
type SendDataRequest struct {
	RequestID           uint64
	GatewayID           string
	SinkID              string
	DestinationAddress  string
	SourceEndpoint      uint8
	DestinationEndpoint uint8
	QoS                 uint8
	Payload             []byte
}

// KafkaMessage represents a Kafka message
type KafkaMessage struct {
	Key   string
	Value []byte
	Topic string
}

// FailedMessage tracks a record that could not be delivered
type FailedMessage struct {
	ID              string      `json:"id"`
	OriginalMessage interface{} `json:"original_message"`
	FailureReason   string      `json:"failure_reason"`
	AttemptCount    int         `json:"attempt_count"`
	FirstFailure    time.Time   `json:"first_failure"`
	LastAttempt     time.Time   `json:"last_attempt"`
	Direction       string      `json:"direction"`
	OriginalTopic   string      `json:"original_topic"`
	TargetTopic     string      `json:"target_topic"`
}
