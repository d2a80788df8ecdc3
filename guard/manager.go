package guard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ChannelConfig bundles the guard settings for one channel.
type ChannelConfig struct {
	// Rate is the sustained delivery rate in calls per second.
	Rate float64

	// Burst is the token-bucket capacity.
	Burst int

	// Breaker configures the channel's circuit breaker.
	Breaker BreakerConfig
}

// DefaultChannelConfig returns the guard defaults applied to channels
// without an explicit override: 1 call/s sustained, bursts of 5.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Rate:    1,
		Burst:   5,
		Breaker: DefaultBreakerConfig(),
	}
}

// channelGuard pairs a breaker with a limiter. mu serializes every
// operation against the channel so trial slots and tokens cannot race.
type channelGuard struct {
	mu      sync.Mutex
	breaker *breaker
	limiter *rate.Limiter
}

// StateChangeFunc observes a channel breaker moving between states.
type StateChangeFunc func(channelID string, from, to State)

// Manager owns the guard state for all channels. Channels are created
// lazily on first use with the default config unless an override was
// registered via Configure.
type Manager struct {
	mu        sync.Mutex
	defaults  ChannelConfig
	overrides map[string]ChannelConfig
	channels  map[string]*channelGuard

	onStateChange StateChangeFunc
}

// NewManager returns a Manager using defaults for unconfigured channels.
func NewManager(defaults ChannelConfig) *Manager {
	if defaults.Rate <= 0 {
		defaults.Rate = DefaultChannelConfig().Rate
	}
	if defaults.Burst <= 0 {
		defaults.Burst = DefaultChannelConfig().Burst
	}
	return &Manager{
		defaults:  defaults,
		overrides: make(map[string]ChannelConfig),
		channels:  make(map[string]*channelGuard),
	}
}

// OnStateChange registers fn to be called whenever a channel's breaker
// changes state. Set it before the first delivery; fn runs outside the
// channel lock and must not call back into the Manager for the same
// channel synchronously.
func (m *Manager) OnStateChange(fn StateChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// Configure sets a per-channel override. It must be called before the
// channel's first delivery; reconfiguring a live channel resets its
// breaker and bucket.
func (m *Manager) Configure(channelID string, cfg ChannelConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[channelID] = cfg
	delete(m.channels, channelID)
}

func (m *Manager) guardFor(channelID string) *channelGuard {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.channels[channelID]
	if !ok {
		cfg, ok := m.overrides[channelID]
		if !ok {
			cfg = m.defaults
		}
		if cfg.Rate <= 0 {
			cfg.Rate = m.defaults.Rate
		}
		if cfg.Burst <= 0 {
			cfg.Burst = m.defaults.Burst
		}
		g = &channelGuard{
			breaker: newBreaker(cfg.Breaker),
			limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		}
		m.channels[channelID] = g
	}
	return g
}

// Acquire asks permission to deliver to a channel. The breaker is
// consulted before the limiter so an open circuit does not drain
// tokens, and a limiter rejection never counts against the breaker's
// failure budget. Returns ErrOpen, ErrRateLimited, or nil.
func (m *Manager) Acquire(channelID string) error {
	g := m.guardFor(channelID)
	g.mu.Lock()
	before := g.breaker.state

	var err error
	switch {
	case g.breaker.peek() != nil:
		err = ErrOpen
	case !g.limiter.Allow():
		err = ErrRateLimited
	default:
		err = g.breaker.acquire()
	}

	after := g.breaker.state
	g.mu.Unlock()

	m.notifyStateChange(channelID, before, after)
	return err
}

// RecordSuccess reports a successful delivery on the channel.
func (m *Manager) RecordSuccess(channelID string) {
	g := m.guardFor(channelID)
	g.mu.Lock()
	before := g.breaker.state
	g.breaker.recordSuccess()
	after := g.breaker.state
	g.mu.Unlock()

	m.notifyStateChange(channelID, before, after)
}

// RecordFailure reports a failed delivery on the channel. Rate-limit
// rejections must not be reported here.
func (m *Manager) RecordFailure(channelID string) {
	g := m.guardFor(channelID)
	g.mu.Lock()
	before := g.breaker.state
	g.breaker.recordFailure()
	after := g.breaker.state
	g.mu.Unlock()

	m.notifyStateChange(channelID, before, after)
}

func (m *Manager) notifyStateChange(channelID string, from, to State) {
	if from == to {
		return
	}
	m.mu.Lock()
	fn := m.onStateChange
	m.mu.Unlock()
	if fn != nil {
		fn(channelID, from, to)
	}
}

// Snapshot is a read-only view of one channel's guard state.
type Snapshot struct {
	Breaker         BreakerSnapshot `json:"breaker"`
	TokensAvailable float64         `json:"tokens_available"`
}

// ChannelSnapshot returns the guard state for one channel, creating it
// with defaults if it has never been used.
func (m *Manager) ChannelSnapshot(channelID string) Snapshot {
	g := m.guardFor(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Breaker:         g.breaker.snapshot(),
		TokensAvailable: g.limiter.Tokens(),
	}
}

// Snapshots returns the guard state for every channel seen so far.
// Reading does not mutate breaker or limiter state beyond the
// limiter's internal clock advance.
func (m *Manager) Snapshots() map[string]Snapshot {
	m.mu.Lock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make(map[string]Snapshot, len(ids))
	for _, id := range ids {
		out[id] = m.ChannelSnapshot(id)
	}
	return out
}

// Defaults returns the config applied to channels without overrides.
func (m *Manager) Defaults() ChannelConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaults
}

// NextRetryAt reports when an open channel will next admit a trial
// call; the zero time means the channel is not open.
func (m *Manager) NextRetryAt(channelID string) time.Time {
	return m.ChannelSnapshot(channelID).Breaker.NextRetryAt
}
