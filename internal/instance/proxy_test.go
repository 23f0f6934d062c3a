package instance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interspecies/probed/internal/channel"
	"github.com/interspecies/probed/internal/events"
	"github.com/interspecies/probed/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestProxy(t *testing.T, cfg Config, deps Dependencies) (*Proxy, *channel.Memory) {
	t.Helper()
	local, remote := channel.Pipe(64)
	if cfg.Name == "" {
		cfg.Name = "setup-2"
	}
	p, err := New(cfg, local, deps)
	require.NoError(t, err)
	return p, remote
}

func TestNewNormalisesConfig(t *testing.T) {
	p, _ := newTestProxy(t, Config{Name: "  Setup-2 "}, Dependencies{})
	assert.Equal(t, "setup-2", p.Name())
	assert.Equal(t, Idle, p.DefaultBehaviour())
	assert.Equal(t, Idle, p.Behaviour())

	_, err := New(Config{}, nil, Dependencies{})
	assert.Error(t, err)
}

func TestLatestTelemetryTracksHighestIndex(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	p, _ := newTestProxy(t, Config{}, Dependencies{Now: clock.Now})

	_, ok := p.LatestTelemetry()
	assert.False(t, ok)

	steps := []struct {
		offset  time.Duration
		kind    string
		payload string
	}{
		{0, types.KindStatistics, "fishclockwisepercent:0.40;"},
		{1500 * time.Millisecond, "Hello", "not telemetry"},
		{3 * time.Second, types.KindStatistics, "FishClockwisePercent:0.55"},
		// clock stepped backwards; the index must not go back with it
		{2 * time.Second, types.KindStatistics, "fishclockwisepercent:0.61;;junk"},
		{5 * time.Second, "statistics", "fishclockwisepercent:0.70"},
	}
	for _, step := range steps {
		clock.Set(start.Add(step.offset))
		p.HandleMessage(types.NewMessage("FishManager", step.kind, "setup-2", step.payload))
	}

	raw := p.RawHistory()
	require.Len(t, raw, len(steps))
	history := p.History()
	require.Len(t, history, 4)
	assert.Equal(t, []int64{0, 3, 3, 5}, []int64{history[0].Index, history[1].Index, history[2].Index, history[3].Index})

	latest, ok := p.LatestTelemetry()
	require.True(t, ok)
	assert.EqualValues(t, 5, latest.Index)
	v, err := latest.Float("fishclockwisepercent")
	require.NoError(t, err)
	assert.InDelta(t, 0.70, v, 1e-9)

	for i := 1; i < len(raw); i++ {
		assert.GreaterOrEqual(t, raw[i].Index, raw[i-1].Index)
	}
	assert.Equal(t, 4, p.TelemetryCount())
	assert.Equal(t, start.Add(5*time.Second), p.LastTelemetryAt())
}

func TestRobotPositionTelemetryKind(t *testing.T) {
	p, _ := newTestProxy(t, Config{TelemetryKind: types.KindRobotTargetPosition}, Dependencies{})
	p.HandleMessage(types.NewMessage("x", types.KindStatistics, "o", "a:1"))
	p.HandleMessage(types.NewMessage("x", types.KindRobotTargetPosition, "o", "x:0.1;y:0.2;"))

	latest, ok := p.LatestTelemetry()
	require.True(t, ok)
	assert.Equal(t, map[string]string{"x": "0.1", "y": "0.2"}, latest.Fields)
	assert.Len(t, p.RawHistory(), 2)
}

func TestHistoryReturnsCopies(t *testing.T) {
	p, _ := newTestProxy(t, Config{}, Dependencies{})
	p.HandleMessage(types.NewMessage("x", types.KindStatistics, "o", "a:1"))

	history := p.History()
	history[0].Fields["a"] = "changed"

	latest, _ := p.LatestTelemetry()
	assert.Equal(t, "1", latest.Fields["a"])
}

func TestSetBehaviourRecordsChanges(t *testing.T) {
	rec := events.NewMemory(16)
	p, _ := newTestProxy(t, Config{}, Dependencies{Events: rec})

	p.SetBehaviour(Idle)
	p.SetBehaviour(CCW)
	p.SetBehaviour(Follow)

	assert.Equal(t, Follow, p.Behaviour())
	assert.Equal(t, CCW, p.LastDirectional())

	changes := rec.Events(types.EventBehaviourChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, "CCW", changes[0].Labels["to"])
	assert.Equal(t, "CCW", changes[1].Labels["from"])
	assert.Equal(t, "setup-2", changes[1].Instance)
}

func TestSwitchDirectionalBehaviour(t *testing.T) {
	p, _ := newTestProxy(t, Config{}, Dependencies{})

	tests := []struct {
		state string
		want  Behaviour
	}{
		{"CW", CW},
		{"ccw", CCW},
		{"1", Allin1},
		{"2.0", Allin2},
		{"3", Split},
		{"si", Follow},
		{"Follow", Follow},
	}
	for _, tt := range tests {
		got, err := p.SwitchDirectionalBehaviour(tt.state)
		require.NoError(t, err, tt.state)
		assert.Equal(t, tt.want, got, tt.state)
		assert.Equal(t, tt.want, p.Behaviour(), tt.state)
	}
}

func TestSwitchDirectionalBehaviourAlternatesOnEmptyState(t *testing.T) {
	p, _ := newTestProxy(t, Config{}, Dependencies{})

	var got []Behaviour
	for i := 0; i < 3; i++ {
		b, err := p.SwitchDirectionalBehaviour("")
		require.NoError(t, err)
		got = append(got, b)
		p.RestoreDefault()
	}
	assert.Equal(t, []Behaviour{CW, CCW, CW}, got)
	assert.Equal(t, Idle, p.Behaviour())
}

func TestSwitchDirectionalBehaviourUnknownStateLeavesInstance(t *testing.T) {
	rec := events.NewMemory(4)
	p, _ := newTestProxy(t, Config{}, Dependencies{Events: rec})

	_, err := p.SwitchDirectionalBehaviour("10")
	assert.ErrorIs(t, err, ErrUnknownState)
	assert.Equal(t, Idle, p.Behaviour())
	assert.Empty(t, rec.Events())
}

func TestParseBehaviour(t *testing.T) {
	b, err := ParseBehaviour("allin2")
	require.NoError(t, err)
	assert.Equal(t, Allin2, b)

	_, err = ParseBehaviour("FollowA")
	assert.ErrorIs(t, err, ErrUnknownBehaviour)
}

func TestAcquireTrialSerialises(t *testing.T) {
	p, _ := newTestProxy(t, Config{}, Dependencies{})

	release, err := p.AcquireTrial(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.AcquireTrial(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()

	again, err := p.AcquireTrial(context.Background())
	require.NoError(t, err)
	again()
}

func TestRunReceivesAndPublishes(t *testing.T) {
	p, remote := newTestProxy(t, Config{
		Publish:       true,
		PublishPeriod: 10 * time.Millisecond,
		IdleSleep:     time.Millisecond,
	}, Dependencies{})

	ctx, cancel := context.WithCancel(context.Background())
	wait := p.Run(ctx)

	require.NoError(t, remote.Send(ctx, types.NewMessage("FishManager", types.KindStatistics, "setup-2", "fishclockwisepercent:0.5")))
	require.Eventually(t, func() bool { return p.TelemetryCount() == 1 }, time.Second, time.Millisecond)

	var beat types.Message
	require.Eventually(t, func() bool {
		msg, ok, _ := remote.TryReceive()
		if ok {
			beat = msg
		}
		return ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, types.KindBehaviour, beat.Kind)
	assert.Equal(t, "setup-2", beat.Target)
	assert.Equal(t, "FishManager", beat.Origin)
	assert.Equal(t, "Idle", beat.Payload)

	p.SetBehaviour(CW)
	require.Eventually(t, func() bool {
		msg, ok, _ := remote.TryReceive()
		return ok && msg.Payload == "CW"
	}, time.Second, time.Millisecond)

	cancel()
	wait()
}

func TestBehaviourKeepsConfiguredName(t *testing.T) {
	p, remote := newTestProxy(t, Config{
		Name:          " Setup-2",
		Publish:       true,
		PublishPeriod: time.Hour,
		IdleSleep:     time.Millisecond,
	}, Dependencies{})
	assert.Equal(t, "setup-2", p.Name())
	assert.Equal(t, "setup-2", p.Status().Name)

	ctx, cancel := context.WithCancel(context.Background())
	wait := p.Run(ctx)
	defer func() {
		cancel()
		wait()
	}()

	var beat types.Message
	require.Eventually(t, func() bool {
		msg, ok, _ := remote.TryReceive()
		if ok {
			beat = msg
		}
		return ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, types.KindBehaviour, beat.Kind)
	assert.Equal(t, "Setup-2", beat.Target)
}

func TestHeartbeatSkipsWhilePaused(t *testing.T) {
	p, remote := newTestProxy(t, Config{
		Publish:       true,
		PublishPeriod: 5 * time.Millisecond,
		IdleSleep:     time.Millisecond,
	}, Dependencies{})
	require.True(t, p.TogglePause())

	ctx, cancel := context.WithCancel(context.Background())
	wait := p.Run(ctx)
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, remote.Pending())

	assert.False(t, p.TogglePause())
	require.Eventually(t, func() bool { return remote.Pending() > 0 }, time.Second, time.Millisecond)

	cancel()
	wait()
}

func TestListenOnlyProxyNeverPublishes(t *testing.T) {
	p, remote := newTestProxy(t, Config{IdleSleep: time.Millisecond}, Dependencies{})

	ctx, cancel := context.WithCancel(context.Background())
	wait := p.Run(ctx)
	p.SetBehaviour(CCW)
	time.Sleep(20 * time.Millisecond)
	cancel()
	wait()

	assert.Zero(t, remote.Pending())
}
