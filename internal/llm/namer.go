package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/errs"
	"github.com/nickcecere/sefs/internal/store"
)

const (
	// maxPromptSamples bounds the combined sample text sent in one prompt.
	maxPromptSamples = 1500

	namingMaxTokens   = 32
	namingTemperature = 0.2
)

const namingSystemPrompt = "You name folders for groups of related documents. Respond with only the folder name."

const namingPromptTemplate = `Suggest ONE concise folder name (2-3 words max) for these document excerpts.

Docs:
%s

Rules:
- Format: Word_Word (Underscore case)
- Descriptive and specific
- Max 3 words, NO extensions, NO special chars except _
- Respond with ONLY the name.

Name:`

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Namer asks a chat model for a folder name describing a cluster's content.
// Calls are throttled and cached by the digest of the samples they were made
// for. Transient failures are retried; a circuit breaker stops calling a
// model that keeps failing.
type Namer struct {
	svc     Service
	cfg     config.NamingConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	initialBackoff time.Duration

	mu    sync.Mutex
	cache map[uint64]string
}

// NewNamer creates a namer backed by the given completion service.
func NewNamer(svc Service, cfg config.NamingConfig) *Namer {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = config.DefaultNamingSamples
	}
	if cfg.SampleChars <= 0 {
		cfg.SampleChars = config.DefaultSampleChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultNamingTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = config.DefaultNamingAttempts
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cluster-naming",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Naming circuit breaker changed state", "from", from.String(), "to", to.String())
		},
	})

	return &Namer{
		svc:            svc,
		cfg:            cfg,
		limiter:        rate.NewLimiter(limit, 1),
		breaker:        breaker,
		initialBackoff: time.Second,
		cache:          make(map[uint64]string),
	}
}

// Name returns a sanitized folder name for the cluster. Errors wrap
// errs.ErrNaming; callers fall back to a generated name.
func (n *Namer) Name(ctx context.Context, clusterID int64, samples []store.Sample) (string, error) {
	excerpts := n.selectSamples(samples)
	if len(excerpts) == 0 {
		return "", fmt.Errorf("%w: cluster %d has no usable text samples", errs.ErrNaming, clusterID)
	}

	combined := truncateRunes(strings.Join(excerpts, "\n\n---\n\n"), maxPromptSamples)
	key := xxhash.Sum64String(combined)

	n.mu.Lock()
	cached, ok := n.cache[key]
	n.mu.Unlock()
	if ok {
		log.Debug("Using cached folder name", "cluster", clusterID, "name", cached)
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	if err := n.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrNaming, err)
	}

	prompt := Prompt{
		System:      namingSystemPrompt,
		User:        fmt.Sprintf(namingPromptTemplate, combined),
		MaxTokens:   namingMaxTokens,
		Temperature: namingTemperature,
	}

	log.Debug("Requesting folder name", "cluster", clusterID, "samples", len(excerpts), "model", n.svc.ModelName())

	out, err := n.breaker.Execute(func() (interface{}, error) {
		return n.complete(ctx, prompt)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrNaming, err)
	}

	name := SanitizeFolderName(out.(string))
	if !ValidFolderName(name) {
		return "", fmt.Errorf("%w: unusable suggestion %q", errs.ErrNaming, out)
	}

	n.mu.Lock()
	n.cache[key] = name
	n.mu.Unlock()

	return name, nil
}

// complete calls the model, retrying rate limits and transient failures.
// A Retry-After from the server replaces the computed delay.
func (n *Namer) complete(ctx context.Context, p Prompt) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = n.initialBackoff

	return backoff.Retry(ctx, func() (string, error) {
		out, err := n.svc.Complete(ctx, p)
		if err == nil {
			return out, nil
		}
		if !IsRetryable(err) {
			return "", backoff.Permanent(err)
		}
		log.Debug("Naming request failed, retrying", "error", err)
		if wait := retryAfter(err); wait > 0 {
			return "", backoff.RetryAfter(int(wait.Round(time.Second) / time.Second))
		}
		return "", err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(n.cfg.MaxAttempts)))
}

func (n *Namer) selectSamples(samples []store.Sample) []string {
	var out []string
	for _, s := range samples {
		if len(out) == n.cfg.MaxSamples {
			break
		}
		text := strings.TrimSpace(s.Text)
		if len([]rune(text)) <= 10 {
			continue
		}
		out = append(out, truncateRunes(text, n.cfg.SampleChars))
	}
	return out
}

// SanitizeFolderName turns a model suggestion into an underscore separated
// token of capitalized words. Only the first line is considered.
func SanitizeFolderName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexAny(name, "\r\n"); i >= 0 {
		name = name[:i]
	}
	name = strings.Trim(name, "\"'` ")

	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	name = invalidNameChars.ReplaceAllString(name, "")

	var parts []string
	for _, p := range strings.Split(name, "_") {
		if p == "" {
			continue
		}
		parts = append(parts, strings.ToUpper(p[:1])+strings.ToLower(p[1:]))
	}
	if len(parts) == 0 {
		return ""
	}

	name = strings.Join(parts, "_")
	if len(name) > 50 && len(parts) > 3 {
		name = strings.Join(parts[:3], "_")
	}
	return name
}

// ValidFolderName reports whether a sanitized name is acceptable.
func ValidFolderName(name string) bool {
	return len(name) > 2 && len(name) < 60
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
