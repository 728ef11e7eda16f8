package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

var required = []string{"--socket-url", "ws://localhost:4000/socket", "--base-url", "http://localhost:4000"}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(required)
	require.NoError(t, err)

	require.Equal(t, "ws://localhost:4000/socket", cfg.SocketURL)
	require.Equal(t, "http://localhost:4000", cfg.BaseURL)
	require.Equal(t, time.Second, cfg.StatsInterval)
	require.Equal(t, 20, cfg.ChatWindow)
	require.Equal(t, 4, cfg.ChatHistory)
	require.Equal(t, 4, cfg.MaxJoins)
	require.Empty(t, cfg.ICEServers)
	require.False(t, cfg.Admin)
	require.Empty(t, cfg.Publish)
	require.Equal(t, 30, cfg.PublishFPS)
	require.Equal(t, 2*time.Second, cfg.RestartEvery)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, zerolog.InfoLevel, lvl)
}

func TestEnvAndFlagPrecedence(t *testing.T) {
	t.Setenv("BROADCASTER_SOCKET_URL", "ws://env/socket")
	t.Setenv("BROADCASTER_BASE_URL", "http://env")
	t.Setenv("BROADCASTER_CHAT_WINDOW", "10")
	t.Setenv("BROADCASTER_STATS_INTERVAL", "2s")
	t.Setenv("BROADCASTER_ICE_SERVERS", "stun:a.example:3478, turn:b.example")

	cfg, err := Load([]string{"--chat-window", "30"})
	require.NoError(t, err)

	require.Equal(t, "ws://env/socket", cfg.SocketURL)
	require.Equal(t, 30, cfg.ChatWindow)
	require.Equal(t, 2*time.Second, cfg.StatsInterval)
	require.Equal(t, []string{"stun:a.example:3478", "turn:b.example"}, cfg.ICEServers)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcaster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
socket_url: ws://file/socket
base_url: http://file
nickname: bot
chat: true
record_dir: /tmp/rec
`), 0o600))

	cfg, err := Load([]string{"--config", path, "--nickname", "flag-bot"})
	require.NoError(t, err)

	require.Equal(t, "ws://file/socket", cfg.SocketURL)
	require.True(t, cfg.Chat)
	require.Equal(t, "/tmp/rec", cfg.RecordDir)
	require.Equal(t, "flag-bot", cfg.Nickname)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(append([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}, required...))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	_, err := Load(nil)
	require.ErrorContains(t, err, "SOCKET_URL")

	_, err = Load(append([]string{"--admin"}, required...))
	require.ErrorContains(t, err, "token")

	_, err = Load(append([]string{"--log-level", "loud"}, required...))
	require.ErrorContains(t, err, "loud")

	_, err = Load(append([]string{"--chat-window", "0"}, required...))
	require.Error(t, err)

	_, err = Load(append([]string{"--layer", "x"}, required...))
	require.ErrorContains(t, err, `layer "x"`)

	cfg, err := Load(append([]string{"--layer", "m", "--publish", "in.h264", "--publish-fps", "25"}, required...))
	require.NoError(t, err)
	require.Equal(t, "m", cfg.Layer)
	require.Equal(t, "in.h264", cfg.Publish)
	require.Equal(t, 25, cfg.PublishFPS)
}

func TestHelp(t *testing.T) {
	_, err := Load([]string{"--help"})
	require.ErrorIs(t, err, pflag.ErrHelp)
}
