package echo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-chat/go-backend/internal/miniapp"
	"event-chat/go-backend/internal/miniapp/registry"
)

const (
	trader1 = "0x1111111111111111111111111111111111111111"
	trader2 = "0x2222222222222222222222222222222222222222"
)

func TestEchoReflectsParamsAndCountsActors(t *testing.T) {
	reg := registry.Default()
	d := miniapp.NewDispatcher(reg)
	d.Register(registry.AppTradingSignals, New())
	cfg, _ := reg.Get(registry.AppTradingSignals)
	s := miniapp.NewManager().Create(cfg, "group-traders", trader1)

	params := json.RawMessage(`{"pair":"ETH/USDC","side":"buy","price":3120.5}`)
	resp, err := d.Execute(context.Background(), s, "share-signal", params, trader1)
	require.NoError(t, err)
	require.True(t, resp.OK())

	data := resp.Data.(map[string]any)
	assert.JSONEq(t, string(params), string(data["echo"].(json.RawMessage)))
	assert.Equal(t, 1, data["count"])
	require.NotNil(t, resp.UI)
	assert.Equal(t, cfg.Name, resp.UI.Title)
	require.Len(t, resp.UI.Content, 3)
	assert.Equal(t, "pair", resp.UI.Content[0].Label)

	resp, err = d.Execute(context.Background(), s, "share-signal", params, trader1)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Data.(map[string]any)["count"])

	resp, err = d.Execute(context.Background(), s, "share-signal", params, trader2)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Data.(map[string]any)["count"])
}

func TestEchoRejectsMalformedParams(t *testing.T) {
	reg := registry.Default()
	d := miniapp.NewDispatcher(reg)
	d.Register(registry.AppEventCheckIn, New())
	cfg, _ := reg.Get(registry.AppEventCheckIn)
	s := miniapp.NewManager().Create(cfg, "event-room-9", trader1)

	resp, err := d.Execute(context.Background(), s, "check-in", json.RawMessage(`[1,2]`), trader1)
	require.NoError(t, err)
	assert.False(t, resp.OK())
}
