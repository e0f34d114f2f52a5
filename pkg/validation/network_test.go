package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBrokerAddress(t *testing.T) {
	tests := []struct {
		name        string
		address     string
		errContains string
	}{
		{name: "hostname", address: "broker.example.com:9092"},
		{name: "IP", address: "192.168.1.1:9092"},
		{name: "localhost", address: "localhost:9092"},
		{name: "empty address", address: "", errContains: "cannot be empty"},
		{name: "missing port", address: "broker.example.com", errContains: "missing port"},
		{name: "port out of range", address: "broker.example.com:99999", errContains: "must be between 1 and 65535"},
		{name: "empty host", address: ":9092", errContains: "host cannot be empty"},
		{name: "invalid characters in host", address: "broker;example.com:9092", errContains: "invalid characters"},
		{name: "hostname too long", address: strings.Repeat("a", 260) + ":9092", errContains: "hostname too long"},
		{name: "label ends with hyphen", address: "broker-.example.com:9092", errContains: "cannot end with hyphen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBrokerAddress(tt.address)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidateMQTTBroker(t *testing.T) {
	tests := []struct {
		name        string
		host        string
		port        int
		errContains string
	}{
		{name: "hostname", host: "mqtt.example.com", port: 8883},
		{name: "IP", host: "10.0.0.7", port: 1883},
		{name: "empty host", host: "", port: 1883, errContains: "cannot be empty"},
		{name: "port zero", host: "mqtt.example.com", port: 0, errContains: "must be between 1 and 65535"},
		{name: "port too high", host: "mqtt.example.com", port: 70000, errContains: "must be between 1 and 65535"},
		{name: "invalid characters", host: "mqtt;example.com", port: 1883, errContains: "invalid characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMQTTBroker(tt.host, tt.port)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidateSessionURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{name: "wss with port", url: "wss://backend.example.com:8813/metadata"},
		{name: "ws without port", url: "ws://localhost/realtime"},
		{name: "empty", url: "", errContains: "cannot be empty"},
		{name: "http scheme", url: "http://backend.example.com", errContains: "must be ws or wss"},
		{name: "no host", url: "wss:///path", errContains: "host cannot be empty"},
		{name: "bad port", url: "wss://backend.example.com:0", errContains: "must be between 1 and 65535"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionURL(tt.url)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}
