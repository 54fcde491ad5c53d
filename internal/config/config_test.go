package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/radioq/sms-relay/internal/config"
	"github.com/radioq/sms-relay/internal/core"
	"github.com/radioq/sms-relay/internal/engine"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	s := cfg.Engine.Settings()
	require.Equal(t, core.OrderFIFO, s.ProcessingOrder)
	require.Equal(t, engine.SimOSDefault, s.SimSelection)
	require.Zero(t, s.LimitValue)
	require.Zero(t, s.PacingMax)
	require.Equal(t, "US", s.CountryCode)
}

func TestLoad_EngineSettings(t *testing.T) {
	t.Setenv("ENGINE_PROCESSING_ORDER", "lifo")
	t.Setenv("ENGINE_SIM_SELECTION", "RoundRobin")
	t.Setenv("ENGINE_LIMIT_PERIOD", "1m")
	t.Setenv("ENGINE_LIMIT_VALUE", "30")
	t.Setenv("ENGINE_PACING_MIN", "1s")
	t.Setenv("ENGINE_PACING_MAX", "5s")

	cfg, err := config.Load()
	require.NoError(t, err)

	s := cfg.Engine.Settings()
	require.Equal(t, core.OrderLIFO, s.ProcessingOrder)
	require.Equal(t, engine.SimRoundRobin, s.SimSelection)
	require.Equal(t, time.Minute, s.LimitPeriod)
	require.Equal(t, 30, s.LimitValue)
	require.Equal(t, time.Second, s.PacingMin)
	require.Equal(t, 5*time.Second, s.PacingMax)
}

func TestLoad_LegacySendIntervalMapsToPacingRange(t *testing.T) {
	t.Setenv("ENGINE_SEND_INTERVAL", "4s")

	cfg, err := config.Load()
	require.NoError(t, err)

	s := cfg.Engine.Settings()
	require.Equal(t, time.Duration(0), s.PacingMin)
	require.Equal(t, 4*time.Second, s.PacingMax)
}

func TestLoad_ExplicitPacingWinsOverLegacy(t *testing.T) {
	t.Setenv("ENGINE_SEND_INTERVAL", "4s")
	t.Setenv("ENGINE_PACING_MIN", "1s")
	t.Setenv("ENGINE_PACING_MAX", "2s")

	cfg, err := config.Load()
	require.NoError(t, err)

	s := cfg.Engine.Settings()
	require.Equal(t, time.Second, s.PacingMin)
	require.Equal(t, 2*time.Second, s.PacingMax)
}

func TestLoad_RejectsBadEnums(t *testing.T) {
	t.Setenv("ENGINE_PROCESSING_ORDER", "SHUFFLE")
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_RejectsBadSimSelection(t *testing.T) {
	t.Setenv("ENGINE_SIM_SELECTION", "AllAtOnce")
	_, err := config.Load()
	require.Error(t, err)
}
