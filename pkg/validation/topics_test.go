package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTopicLevel(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		wantErr bool
	}{
		{name: "gateway id", level: "gw-0042"},
		{name: "numeric network", level: "1234567"},
		{name: "empty", level: "", wantErr: true},
		{name: "separator", level: "a/b", wantErr: true},
		{name: "single level wildcard", level: "+", wantErr: true},
		{name: "multi level wildcard", level: "sink#1", wantErr: true},
		{name: "control char", level: "sink\x01", wantErr: true},
		{name: "too long", level: strings.Repeat("x", 129), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicLevel(tt.level)
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestValidateTopicRoot(t *testing.T) {
	assert.NoError(t, ValidateTopicRoot("gw-event/received_data"))
	assert.NoError(t, ValidateTopicRoot("single"))
	assert.Error(t, ValidateTopicRoot(""))
	assert.Error(t, ValidateTopicRoot("/gw-event"))
	assert.Error(t, ValidateTopicRoot("gw-event/"))
	assert.Error(t, ValidateTopicRoot("gw-event//x"))
	assert.Error(t, ValidateTopicRoot("gw-event/+"))
}
