package paypal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gallery-paywall/internal/obs"
)

// SDKConfig identifies one SDK bootstrap. The struct is comparable so the
// loader can detect configuration changes with a plain equality check;
// DisabledFunding is therefore carried as a canonical comma-joined string.
type SDKConfig struct {
	ClientID        string
	Currency        string
	Intent          string
	DisabledFunding string
	Debug           bool
}

// NewSDKConfig builds a canonical SDKConfig for the capture flow.
func NewSDKConfig(clientID, currency string, disabledFunding []string, debug bool) SDKConfig {
	sources := make([]string, 0, len(disabledFunding))
	for _, s := range disabledFunding {
		trimmed := strings.ToLower(strings.TrimSpace(s))
		if trimmed != "" {
			sources = append(sources, trimmed)
		}
	}
	return SDKConfig{
		ClientID:        strings.TrimSpace(clientID),
		Currency:        strings.ToUpper(strings.TrimSpace(currency)),
		Intent:          "capture",
		DisabledFunding: strings.Join(sources, ","),
		Debug:           debug,
	}
}

// SDKHandle is the ready SDK surface produced by a successful load. It can
// vend payment buttons for the configuration it was loaded with.
type SDKHandle struct {
	cfg SDKConfig
}

// NewHandle constructs a handle for the given configuration. Runtime
// implementations call it once their bootstrap completes.
func NewHandle(cfg SDKConfig) *SDKHandle {
	return &SDKHandle{cfg: cfg}
}

// Config reports the configuration this handle was loaded for.
func (h *SDKHandle) Config() SDKConfig {
	if h == nil {
		return SDKConfig{}
	}
	return h.cfg
}

// Eligible reports whether the handle can render buttons for the given
// currency. A mismatch means the SDK was bootstrapped for another currency
// and rendering would be refused.
func (h *SDKHandle) Eligible(currency string) error {
	if h == nil {
		return &IneligibleConfigurationError{Currency: currency, Reason: "sdk not loaded"}
	}
	want := strings.ToUpper(strings.TrimSpace(currency))
	if want == "" || want != h.cfg.Currency {
		return &IneligibleConfigurationError{
			Currency: currency,
			Reason:   fmt.Sprintf("sdk loaded for %s", h.cfg.Currency),
		}
	}
	return nil
}

// NewButton creates a payment button bound to this handle.
func (h *SDKHandle) NewButton() *ButtonInstance {
	return &ButtonInstance{}
}

// ButtonInstance is one rendered payment button. Close is idempotent and
// safe to call concurrently with SDK callbacks.
type ButtonInstance struct {
	closed atomic.Bool
}

// Close tears the button down. Later callbacks must check Closed.
func (b *ButtonInstance) Close() {
	if b == nil {
		return
	}
	b.closed.Store(true)
}

// Closed reports whether the button has been torn down.
func (b *ButtonInstance) Closed() bool {
	if b == nil {
		return true
	}
	return b.closed.Load()
}

// Runtime abstracts the environment the SDK script is injected into. Inject
// starts a bootstrap for the given configuration, Handle reports the ready
// SDK surface once bootstrap completes, and Remove discards any injected
// script so a fresh Inject starts clean.
type Runtime interface {
	Inject(ctx context.Context, cfg SDKConfig) error
	Handle() *SDKHandle
	Remove()
}

// ScriptRuntime fetches the SDK script from the payment network's CDN
// endpoint. The handle becomes available once the fetch succeeds.
type ScriptRuntime struct {
	BaseURL string
	HTTP    Doer

	mu     sync.Mutex
	handle *SDKHandle
}

// Inject fetches the SDK script for cfg. The configured funding sources,
// currency and intent travel as query parameters, the same way a script tag
// src would carry them.
func (r *ScriptRuntime) Inject(ctx context.Context, cfg SDKConfig) error {
	q := url.Values{}
	q.Set("client-id", cfg.ClientID)
	q.Set("currency", cfg.Currency)
	q.Set("intent", cfg.Intent)
	if cfg.DisabledFunding != "" {
		q.Set("disable-funding", cfg.DisabledFunding)
	}
	if cfg.Debug {
		q.Set("debug", "true")
	}
	target := strings.TrimRight(r.BaseURL, "/") + "/sdk/js?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := r.HTTP.Do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sdk script fetch returned %s", resp.Status)
	}

	r.mu.Lock()
	r.handle = &SDKHandle{cfg: cfg}
	r.mu.Unlock()
	return nil
}

// Handle returns the ready SDK surface, or nil while bootstrap is pending.
func (r *ScriptRuntime) Handle() *SDKHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// Remove discards the injected script.
func (r *ScriptRuntime) Remove() {
	r.mu.Lock()
	r.handle = nil
	r.mu.Unlock()
}

// loadAttempt is one in-flight bootstrap shared by every concurrent Load.
type loadAttempt struct {
	cfg    SDKConfig
	done   chan struct{}
	handle *SDKHandle
	err    error
}

// LoaderConfig configures an SDKLoader.
type LoaderConfig struct {
	Runtime      Runtime
	Config       SDKConfig
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       zerolog.Logger
}

// SDKLoader loads the payment SDK exactly once per configuration. Concurrent
// Load calls share a single bootstrap; a configuration change invalidates the
// cached handle and any result of a bootstrap started under the old
// configuration.
type SDKLoader struct {
	runtime Runtime
	poll    time.Duration
	timeout time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex
	cfg      SDKConfig
	handle   *SDKHandle
	inflight *loadAttempt
}

const (
	defaultSDKPollInterval = 100 * time.Millisecond
	defaultSDKLoadTimeout  = 5 * time.Second
)

// NewSDKLoader constructs a loader for the given runtime and configuration.
func NewSDKLoader(cfg LoaderConfig) (*SDKLoader, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("paypal: sdk runtime is required")
	}
	if cfg.Config.ClientID == "" {
		return nil, fmt.Errorf("paypal: sdk client id is required")
	}
	if cfg.Config.Currency == "" {
		return nil, fmt.Errorf("paypal: sdk currency is required")
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultSDKPollInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSDKLoadTimeout
	}
	return &SDKLoader{
		runtime: cfg.Runtime,
		poll:    poll,
		timeout: timeout,
		logger:  cfg.Logger,
		cfg:     cfg.Config,
	}, nil
}

// Load returns the ready SDK handle, bootstrapping it if necessary. All
// concurrent callers during a bootstrap receive the same handle or the same
// error; only one bootstrap runs at a time.
func (l *SDKLoader) Load(ctx context.Context) (*SDKHandle, error) {
	for {
		l.mu.Lock()
		if l.handle != nil {
			h := l.handle
			l.mu.Unlock()
			return h, nil
		}
		cfg := l.cfg
		att := l.inflight
		if att == nil || att.cfg != cfg {
			// An in-flight bootstrap for a superseded configuration keeps
			// running but must not serve this caller.
			att = &loadAttempt{cfg: cfg, done: make(chan struct{})}
			l.inflight = att
			go l.run(att)
		}
		l.mu.Unlock()

		select {
		case <-att.done:
			l.mu.Lock()
			stale := att.cfg != l.cfg
			l.mu.Unlock()
			if stale {
				// Configuration changed while this bootstrap ran; its
				// result is discarded and the load starts over.
				continue
			}
			return att.handle, att.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Configure replaces the SDK configuration. A change discards the cached
// handle; an in-flight bootstrap for the old configuration keeps running but
// its result is neither cached nor handed to waiters.
func (l *SDKLoader) Configure(cfg SDKConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg == l.cfg {
		return
	}
	l.logger.Info().
		Str("currency", cfg.Currency).
		Msg("sdk configuration changed, discarding loaded handle")
	l.cfg = cfg
	l.handle = nil
}

// Reset discards the cached handle and removes the injected script so the
// next Load starts a fresh bootstrap.
func (l *SDKLoader) Reset() {
	l.mu.Lock()
	l.handle = nil
	l.mu.Unlock()
	l.runtime.Remove()
}

func (l *SDKLoader) run(att *loadAttempt) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	l.runtime.Remove()
	if err := l.runtime.Inject(ctx, att.cfg); err != nil {
		l.logger.Warn().Err(err).Str("currency", att.cfg.Currency).Msg("sdk script injection failed")
		l.finish(att, nil, &ScriptLoadError{Err: err}, start)
		return
	}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		// A handle left behind by a superseded bootstrap does not count
		// as readiness for this one.
		if h := l.runtime.Handle(); h != nil && h.Config() == att.cfg {
			l.finish(att, h, nil, start)
			return
		}
		select {
		case <-ctx.Done():
			l.logger.Warn().
				Dur("waited", l.timeout).
				Str("currency", att.cfg.Currency).
				Msg("sdk never signalled readiness")
			l.mu.Lock()
			current := l.inflight == att
			l.mu.Unlock()
			if current {
				l.runtime.Remove()
			}
			l.finish(att, nil, &LoadTimeoutError{Waited: l.timeout}, start)
			return
		case <-ticker.C:
		}
	}
}

func (l *SDKLoader) finish(att *loadAttempt, h *SDKHandle, err error, start time.Time) {
	l.mu.Lock()
	if l.inflight == att {
		l.inflight = nil
		// Cache only when the configuration is still the one this
		// bootstrap was started for.
		if err == nil && att.cfg == l.cfg {
			l.handle = h
		}
	}
	l.mu.Unlock()

	att.handle = h
	att.err = err
	close(att.done)

	result := "ok"
	if err != nil {
		result = "error"
		if _, ok := err.(*LoadTimeoutError); ok {
			result = "timeout"
		}
	}
	recordSDKLoad(att.cfg.Currency, result, time.Since(start))
}

func recordSDKLoad(currency, result string, elapsed time.Duration) {
	if obs.SDKLoadTotal != nil {
		obs.SDKLoadTotal.WithLabelValues(currency, result).Inc()
	}
	if obs.SDKLoadDuration != nil {
		obs.SDKLoadDuration.WithLabelValues(result).Observe(float64(elapsed.Milliseconds()))
	}
}
