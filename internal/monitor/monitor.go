package monitor

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// Status is delivered to subscribers on every connectivity transition.
type Status struct {
	IsOnline bool `json:"is_online"`
}

// Callback receives connectivity transitions.
type Callback func(Status)

// Monitor tracks online/offline state. Reports that flap within the debounce window
// collapse into at most one transition, and repeated identical states are dropped.
// Until something says otherwise the device is assumed online.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	candidate bool
	timer     *time.Timer
	seq       uint64
	debounce  time.Duration
	subs      map[uint64]Callback
	nextID    uint64

	probeURL      string
	probeInterval time.Duration
	client        *http.Client
	logger        *zerolog.Logger
}

func New(cfg config.MonitorConfig, client *http.Client, logger *zerolog.Logger) *Monitor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = models.DefaultDebounce
	}
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = models.DefaultProbeInterval
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	metrics.SetOnline(true)
	return &Monitor{
		online:        true,
		candidate:     true,
		debounce:      debounce,
		subs:          make(map[uint64]Callback),
		probeURL:      cfg.ProbeURL,
		probeInterval: interval,
		client:        client,
		logger:        logger,
	}
}

// Online returns the current debounced state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers cb for transitions and returns its unsubscribe handle.
func (m *Monitor) Subscribe(cb Callback) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs[id] = cb

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Report feeds a raw connectivity signal. It never blocks on subscribers.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil && m.candidate == online {
		return
	}
	if m.timer == nil && m.online == online {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}

	m.seq++
	seq := m.seq
	m.candidate = online
	m.timer = time.AfterFunc(m.debounce, func() { m.settle(seq) })
}

func (m *Monitor) settle(seq uint64) {
	m.mu.Lock()
	if m.seq != seq {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if m.candidate == m.online {
		m.mu.Unlock()
		return
	}
	m.online = m.candidate
	status := Status{IsOnline: m.online}

	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	callbacks := make([]Callback, 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, m.subs[id])
	}
	m.mu.Unlock()

	metrics.SetOnline(status.IsOnline)
	m.logger.Info().Bool("online", status.IsOnline).Msg("connectivity changed")

	for _, cb := range callbacks {
		m.notify(cb, status)
	}
}

func (m *Monitor) notify(cb Callback, status Status) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("connectivity subscriber panicked")
		}
	}()
	cb(status)
}

// Probe checks reachability of the probe URL once. Any HTTP response counts as online;
// only a transport failure counts as offline. Without a probe URL nothing can be
// detected and the answer is online.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.probeURL == "" {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, http.NoBody)
	if err != nil {
		m.logger.Warn().Err(err).Str("url", m.probeURL).Msg("invalid probe request, assuming online")
		return true
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return m.Online()
		}
		m.logger.Debug().Err(err).Msg("connectivity probe failed")
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Run probes periodically and reports the result until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	defer m.stop()

	m.Report(m.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Report(m.Probe(ctx))
		}
	}
}

func (m *Monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.seq++
}
