package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/markconroy/markie-sub000/internal/resilience"
)

// Sentinels accepted as provider or model id.
const (
	AliasDefault       = "default"
	AliasDefaultJSON   = "default_json"
	AliasDefaultVision = "default_vision"
)

// Target is a concrete provider and model.
type Target struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

// ConfigError reports a selection that cannot be resolved or served.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "provider: " + e.Msg
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithBackend registers a backend under its ID.
func WithBackend(b Backend) Option {
	return func(iv *Invoker) {
		iv.backends[b.ID()] = b
	}
}

// WithRateLimit limits calls to one provider. A non-positive rps disables
// limiting.
func WithRateLimit(providerID string, rps float64, burst int) Option {
	return func(iv *Invoker) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		iv.limiters[providerID] = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets the retry policy for transient provider errors.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(iv *Invoker) { iv.retry = cfg }
}

// WithCircuit sets the per-provider circuit breaker policy.
func WithCircuit(cfg resilience.CircuitBreakerConfig) Option {
	return func(iv *Invoker) { iv.breakers = resilience.NewBreakers(cfg) }
}

// Invoker resolves selections and dispatches calls to backends.
type Invoker struct {
	mu       sync.RWMutex
	backends map[string]Backend
	defaults map[Operation]Target
	limiters map[string]*rate.Limiter
	breakers *resilience.Breakers
	retry    resilience.RetryConfig
}

// NewInvoker creates an Invoker with the system defaults per operation.
func NewInvoker(defaults map[Operation]Target, opts ...Option) *Invoker {
	iv := &Invoker{
		backends: make(map[string]Backend),
		defaults: make(map[Operation]Target, len(defaults)),
		limiters: make(map[string]*rate.Limiter),
		breakers: resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()),
		retry:    resilience.DefaultRetryConfig(),
	}
	for op, t := range defaults {
		iv.defaults[op] = t
	}
	for _, opt := range opts {
		opt(iv)
	}
	return iv
}

// Providers lists the registered provider ids.
func (iv *Invoker) Providers() []string {
	iv.mu.RLock()
	defer iv.mu.RUnlock()
	ids := make([]string, 0, len(iv.backends))
	for id := range iv.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Default returns the configured system default for an operation.
func (iv *Invoker) Default(op Operation) (Target, bool) {
	iv.mu.RLock()
	defer iv.mu.RUnlock()
	t, ok := iv.defaults[op]
	return t, ok && t.Provider != "" && t.Model != ""
}

// Resolve turns a selection into a concrete target.
//
// A sentinel provider selects the system default of the operation it names:
// default_json the JSON chat default, default_vision the vision chat
// default, default (or empty) the default of the selection's own operation.
// A sentinel model with a concrete provider is accepted only when that
// provider is also the default provider of the operation.
func (iv *Invoker) Resolve(sel Selection) (Target, error) {
	lookup := func(alias string) Operation {
		switch alias {
		case AliasDefaultJSON:
			return OpChatJSON
		case AliasDefaultVision:
			return OpChatVision
		}
		return sel.Operation
	}

	if isAlias(sel.Provider) {
		op := lookup(sel.Provider)
		t, ok := iv.Default(op)
		if !ok {
			return Target{}, configErrorf("no default provider configured for %s", op)
		}
		return t, nil
	}

	if isAlias(sel.Model) {
		op := lookup(sel.Model)
		t, ok := iv.Default(op)
		if !ok || t.Provider != sel.Provider {
			return Target{}, configErrorf("no default model of provider %q configured for %s", sel.Provider, op)
		}
		return t, nil
	}

	return Target{Provider: sel.Provider, Model: sel.Model}, nil
}

func isAlias(id string) bool {
	switch id {
	case "", AliasDefault, AliasDefaultJSON, AliasDefaultVision:
		return true
	}
	return false
}

func (iv *Invoker) backend(id string) (Backend, error) {
	iv.mu.RLock()
	defer iv.mu.RUnlock()
	b, ok := iv.backends[id]
	if !ok {
		return nil, configErrorf("unknown provider %q", id)
	}
	return b, nil
}

// prepare resolves the selection, finds a backend implementing T and casts
// the configuration against the backend's declared parameters.
func prepare[T any](iv *Invoker, sel Selection) (T, Target, map[string]any, error) {
	var zero T
	t, err := iv.Resolve(sel)
	if err != nil {
		return zero, t, nil, err
	}
	b, err := iv.backend(t.Provider)
	if err != nil {
		return zero, t, nil, err
	}
	impl, ok := b.(T)
	if !ok {
		return zero, t, nil, configErrorf("provider %q does not support %s", t.Provider, sel.Operation.Call())
	}
	cfg, err := CastConfig(b.Configuration(sel.Operation.Call(), t.Model), sel.Config)
	if err != nil {
		return zero, t, nil, err
	}
	return impl, t, cfg, nil
}

// call runs fn behind the provider's rate limiter, circuit breaker and the
// retry policy.
func call[V any](ctx context.Context, iv *Invoker, t Target, op Operation, fn func(ctx context.Context) (V, error)) (V, error) {
	var zero V
	iv.mu.RLock()
	lim := iv.limiters[t.Provider]
	iv.mu.RUnlock()

	retry := iv.retry
	retry.OnRetry = resilience.RetryLogger(t.Provider, string(op))
	cb := iv.breakers.Get(t.Provider)

	v, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (V, error) {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return zero, eris.Wrap(err, "provider: rate limit wait")
			}
		}
		return resilience.ExecuteVal(ctx, cb, fn)
	})
	if err != nil {
		zap.L().Debug("provider: call failed",
			zap.String("provider", t.Provider),
			zap.String("model", t.Model),
			zap.String("operation", string(op)),
			zap.Error(err),
		)
		return zero, eris.Wrapf(err, "provider: %s %s/%s", op, t.Provider, t.Model)
	}
	return v, nil
}

// Chat dispatches a chat call. The selection's operation decides which
// default applies and should be one of the chat operations.
func (iv *Invoker) Chat(ctx context.Context, sel Selection, in ChatInput) (*ChatOutput, error) {
	if sel.Operation == "" {
		sel.Operation = OpChat
	}
	c, t, cfg, err := prepare[Chatter](iv, sel)
	if err != nil {
		return nil, err
	}
	out, err := call(ctx, iv, t, sel.Operation, func(ctx context.Context) (*ChatOutput, error) {
		return c.Chat(ctx, t.Model, in, cfg)
	})
	if err != nil {
		return nil, err
	}
	if out.Model == "" {
		out.Model = t.Model
	}
	return out, nil
}

// SpeechToText transcribes audio.
func (iv *Invoker) SpeechToText(ctx context.Context, sel Selection, audio Binary) (string, error) {
	sel.Operation = OpSpeechToText
	c, t, cfg, err := prepare[Transcriber](iv, sel)
	if err != nil {
		return "", err
	}
	return call(ctx, iv, t, sel.Operation, func(ctx context.Context) (string, error) {
		return c.SpeechToText(ctx, t.Model, audio, cfg)
	})
}

// TextToImage generates images from a prompt.
func (iv *Invoker) TextToImage(ctx context.Context, sel Selection, prompt string) ([]Binary, error) {
	sel.Operation = OpTextToImage
	c, t, cfg, err := prepare[ImageGenerator](iv, sel)
	if err != nil {
		return nil, err
	}
	return call(ctx, iv, t, sel.Operation, func(ctx context.Context) ([]Binary, error) {
		return c.TextToImage(ctx, t.Model, prompt, cfg)
	})
}

// TextToSpeech generates audio from text.
func (iv *Invoker) TextToSpeech(ctx context.Context, sel Selection, text string) ([]Binary, error) {
	sel.Operation = OpTextToSpeech
	c, t, cfg, err := prepare[SpeechGenerator](iv, sel)
	if err != nil {
		return nil, err
	}
	return call(ctx, iv, t, sel.Operation, func(ctx context.Context) ([]Binary, error) {
		return c.TextToSpeech(ctx, t.Model, text, cfg)
	})
}

// Embeddings computes an embedding vector.
func (iv *Invoker) Embeddings(ctx context.Context, sel Selection, text string) ([]float32, error) {
	sel.Operation = OpEmbeddings
	c, t, cfg, err := prepare[Embedder](iv, sel)
	if err != nil {
		return nil, err
	}
	return call(ctx, iv, t, sel.Operation, func(ctx context.Context) ([]float32, error) {
		return c.Embeddings(ctx, t.Model, text, cfg)
	})
}

// CastConfig keeps the raw options declared by the backend and casts each to
// its declared type. Unset declared parameters take their default.
func CastConfig(params map[string]Param, raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for name, p := range params {
		v, ok := raw[name]
		if !ok || v == nil || v == "" {
			if p.Default != nil {
				out[name] = p.Default
			}
			continue
		}
		cv, err := castParam(p.Type, v)
		if err != nil {
			return nil, configErrorf("option %q: %v", name, err)
		}
		out[name] = cv
	}
	return out, nil
}

func castParam(t ParamType, v any) (any, error) {
	switch t {
	case ParamInteger:
		return cast.ToIntE(v)
	case ParamFloat:
		return cast.ToFloat64E(v)
	case ParamBoolean:
		return cast.ToBoolE(v)
	case ParamArray:
		return cast.ToStringSliceE(v)
	default:
		return cast.ToStringE(v)
	}
}
