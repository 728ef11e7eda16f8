package simulcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"broadcaster/native/internal/domain"

	"github.com/stretchr/testify/require"
)

type fakeSwitcher struct {
	mu     sync.Mutex
	calls  []string
	reject bool
	err    error
}

func (f *fakeSwitcher) SwitchLayer(_ context.Context, resource, layer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resource+"#"+layer)
	if f.reject {
		return fmt.Errorf("http 400: %w", domain.ErrLayerSwitchRejected)
	}
	return f.err
}

func (f *fakeSwitcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type published struct {
	layers  []string
	current string
}

type recorder struct {
	mu   sync.Mutex
	seen []published
}

func (r *recorder) publish(layers []string, current string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, published{layers, current})
}

func TestSelectBeforeActivateIsRetryable(t *testing.T) {
	sw := &fakeSwitcher{}
	c := New("s", sw, domain.DefaultLayers(), nil)

	err := c.Select(context.Background(), "m")
	require.ErrorIs(t, err, domain.ErrNotReady)
	require.Zero(t, sw.count())
}

func TestSelectSwitchesLayer(t *testing.T) {
	sw := &fakeSwitcher{}
	c := New("s", sw, domain.DefaultLayers(), nil)
	c.Activate("http://x/whep/1")

	require.NoError(t, c.Select(context.Background(), "l"))
	require.Equal(t, "l", c.Current())
	require.Equal(t, []string{"http://x/whep/1#l"}, sw.calls)
}

func TestSelectUnknownLayer(t *testing.T) {
	sw := &fakeSwitcher{}
	c := New("s", sw, domain.DefaultLayers(), nil)
	c.Activate("r")

	require.ErrorIs(t, c.Select(context.Background(), "x"), domain.ErrUnknownLayer)
	require.Zero(t, sw.count())
}

func TestRejectionDisablesSwitching(t *testing.T) {
	sw := &fakeSwitcher{reject: true}
	rec := &recorder{}
	c := New("s", sw, domain.DefaultLayers(), rec.publish)
	c.Activate("r")

	err := c.Select(context.Background(), "m")
	require.ErrorIs(t, err, domain.ErrLayerSwitchRejected)
	require.Nil(t, c.Available())
	require.Equal(t, []published{{nil, ""}}, rec.seen)

	err = c.Select(context.Background(), "h")
	require.ErrorIs(t, err, domain.ErrLayerSwitchUnsupported)
	require.Equal(t, 1, sw.count())

	require.NoError(t, c.Announce(context.Background(), []string{"h", "l"}))
	require.Nil(t, c.Available())
}

func TestUndeliveredSwitchKeepsSwitching(t *testing.T) {
	sw := &fakeSwitcher{err: errors.New("dial tcp: connection refused")}
	rec := &recorder{}
	c := New("s", sw, domain.DefaultLayers(), rec.publish)
	c.Activate("r")

	err := c.Select(context.Background(), "m")
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrLayerSwitchRejected)
	require.Equal(t, domain.DefaultLayers(), c.Available())
	require.Empty(t, rec.seen)

	sw.mu.Lock()
	sw.err = nil
	sw.mu.Unlock()
	require.NoError(t, c.Select(context.Background(), "m"))
	require.Equal(t, "m", c.Current())
}

func TestNoSwitcherIsUnsupported(t *testing.T) {
	c := New("s", nil, domain.DefaultLayers(), nil)
	c.Activate("r")
	require.Nil(t, c.Available())
	require.ErrorIs(t, c.Select(context.Background(), "h"), domain.ErrLayerSwitchUnsupported)
}

func TestAnnounceUnchangedIsNoop(t *testing.T) {
	sw := &fakeSwitcher{}
	rec := &recorder{}
	c := New("s", sw, []string{"h", "m"}, rec.publish)
	c.Activate("r")

	require.NoError(t, c.Announce(context.Background(), []string{"h", "m"}))
	require.Empty(t, rec.seen)
	require.Zero(t, sw.count())
}

func TestAnnounceAutoSelectsFirst(t *testing.T) {
	sw := &fakeSwitcher{}
	rec := &recorder{}
	c := New("s", sw, []string{"h", "m", "l"}, rec.publish)
	c.Activate("r")

	require.NoError(t, c.Announce(context.Background(), []string{"m", "l"}))
	require.Equal(t, []string{"m", "l"}, c.Available())
	require.Equal(t, "m", c.Current())
	require.Equal(t, []string{"r#m"}, sw.calls)
	require.Len(t, rec.seen, 1)
}

func TestAnnounceKeepsUserChoice(t *testing.T) {
	sw := &fakeSwitcher{}
	c := New("s", sw, []string{"h", "m", "l"}, nil)
	c.Activate("r")
	require.NoError(t, c.Select(context.Background(), "l"))

	require.NoError(t, c.Announce(context.Background(), []string{"m", "l"}))
	require.Equal(t, "l", c.Current())
	require.Equal(t, 1, sw.count())

	require.NoError(t, c.Announce(context.Background(), []string{"h", "m"}))
	require.Equal(t, "h", c.Current())
	require.Equal(t, 2, sw.count())
}

func TestClosedControllerRejects(t *testing.T) {
	c := New("s", &fakeSwitcher{}, domain.DefaultLayers(), nil)
	c.Activate("r")
	c.Close()
	require.ErrorIs(t, c.Select(context.Background(), "h"), domain.ErrSessionClosed)
}

func TestLayersFromSDP(t *testing.T) {
	offer := strings.Join([]string{
		"v=0",
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=mid:1",
		"a=rid:h send",
		"a=rid:m send",
		"a=rid:l send",
		"a=simulcast:send h;m;l",
		"",
	}, "\r\n")

	require.Equal(t, []string{"h", "m", "l"}, LayersFromSDP(offer))
	require.Nil(t, LayersFromSDP("not sdp"))
}
