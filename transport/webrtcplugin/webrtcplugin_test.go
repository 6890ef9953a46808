package webrtcplugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateConfigRequiresSignalingURLOrAddr(t *testing.T) {
	p := New()
	assert.Error(t, p.ValidateConfig(map[string]any{}))
	assert.NoError(t, p.ValidateConfig(map[string]any{"signaling_url": "ws://x"}))
	assert.NoError(t, p.ValidateConfig(map[string]any{"signaling_addr": ":0"}))
}

func TestCreateClientRejectsEmptySignalingURL(t *testing.T) {
	p := New()
	_, err := p.CreateClient(context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestCreateServerRejectsEmptySignalingAddr(t *testing.T) {
	p := New()
	err := p.CreateServer(context.Background(), map[string]any{}, nil)
	assert.Error(t, err)
}
