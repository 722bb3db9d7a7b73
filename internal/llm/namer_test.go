package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/errs"
	"github.com/nickcecere/sefs/internal/store"
)

// fakeService is a scripted completion service. Queued errors are returned
// first, then replies in order; err fails every call.
type fakeService struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	err      error
	calls    int
	lastUser string
	lastSys  string
}

var _ Service = (*fakeService)(nil)

func (f *fakeService) Complete(ctx context.Context, p Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastUser = p.User
	f.lastSys = p.System
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", nil
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply, nil
}

func (f *fakeService) Provider() Provider { return "fake" }
func (f *fakeService) ModelName() string  { return "fake-model" }

func testNamingConfig() config.NamingConfig {
	return config.NamingConfig{
		Enabled:     true,
		MaxSamples:  5,
		SampleChars: 500,
		Timeout:     time.Second,
	}
}

func invoiceSamples() []store.Sample {
	return []store.Sample{
		{Path: "/root/a.txt", Text: "Invoice Q1 for consulting services, total due 1200"},
		{Path: "/root/b.pdf", Text: "Invoice Q2 for consulting services, total due 900"},
	}
}

// newTestNamer keeps retry delays short.
func newTestNamer(svc Service, cfg config.NamingConfig) *Namer {
	n := NewNamer(svc, cfg)
	n.initialBackoff = time.Millisecond
	return n
}

func TestSanitizeFolderName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Financial_Invoices", "Financial_Invoices"},
		{"\"financial invoices\"", "Financial_Invoices"},
		{"`tax-documents`", "Tax_Documents"},
		{"Recipes!\nSecond line", "Recipes"},
		{"  research   papers  ", "Research_Papers"},
		{"PROJECT notes.txt", "Project_Notestxt"},
		{"***", ""},
		{"", ""},
		{
			"Extraordinarily_Comprehensive_Quarterly_Financial_Reporting_Documents",
			"Extraordinarily_Comprehensive_Quarterly",
		},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFolderName(tt.in))
		})
	}
}

func TestValidFolderName(t *testing.T) {
	assert.False(t, ValidFolderName(""))
	assert.False(t, ValidFolderName("Ab"))
	assert.True(t, ValidFolderName("Abc"))
	assert.True(t, ValidFolderName(strings.Repeat("a", 59)))
	assert.False(t, ValidFolderName(strings.Repeat("a", 60)))
}

func TestNamerName(t *testing.T) {
	t.Run("returns sanitized name", func(t *testing.T) {
		svc := &fakeService{replies: []string{"financial invoices"}}
		n := NewNamer(svc, testNamingConfig())

		name, err := n.Name(context.Background(), 1, invoiceSamples())
		require.NoError(t, err)
		assert.Equal(t, "Financial_Invoices", name)
		assert.Contains(t, svc.lastUser, "Invoice Q1")
		assert.Contains(t, svc.lastUser, "Word_Word")
		assert.Equal(t, namingSystemPrompt, svc.lastSys)
	})

	t.Run("caches by sample digest", func(t *testing.T) {
		svc := &fakeService{replies: []string{"Financial_Invoices", "Something_Else"}}
		n := NewNamer(svc, testNamingConfig())

		first, err := n.Name(context.Background(), 1, invoiceSamples())
		require.NoError(t, err)
		second, err := n.Name(context.Background(), 7, invoiceSamples())
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, svc.calls)
	})

	t.Run("no usable samples", func(t *testing.T) {
		svc := &fakeService{replies: []string{"Anything"}}
		n := NewNamer(svc, testNamingConfig())

		_, err := n.Name(context.Background(), 1, []store.Sample{{Path: "/x", Text: "short"}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrNaming))
		assert.Equal(t, 0, svc.calls)
	})

	t.Run("service failure wraps naming error", func(t *testing.T) {
		svc := &fakeService{err: errors.New("connection refused")}
		n := NewNamer(svc, testNamingConfig())

		_, err := n.Name(context.Background(), 1, invoiceSamples())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrNaming))
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("rejects unusable suggestion", func(t *testing.T) {
		svc := &fakeService{replies: []string{"!!"}}
		n := NewNamer(svc, testNamingConfig())

		_, err := n.Name(context.Background(), 1, invoiceSamples())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrNaming))
	})

	t.Run("retries rate limits", func(t *testing.T) {
		svc := &fakeService{
			errs:    []error{&StatusError{Provider: ProviderOllama, Code: http.StatusTooManyRequests}},
			replies: []string{"Financial_Invoices"},
		}
		n := newTestNamer(svc, testNamingConfig())

		name, err := n.Name(context.Background(), 1, invoiceSamples())
		require.NoError(t, err)
		assert.Equal(t, "Financial_Invoices", name)
		assert.Equal(t, 2, svc.calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		svc := &fakeService{err: &StatusError{Provider: ProviderOllama, Code: http.StatusServiceUnavailable}}
		n := newTestNamer(svc, testNamingConfig())

		_, err := n.Name(context.Background(), 1, invoiceSamples())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrNaming))
		assert.Equal(t, config.DefaultNamingAttempts, svc.calls)
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		svc := &fakeService{err: &StatusError{Provider: ProviderOllama, Code: http.StatusNotFound, Body: "model not found"}}
		n := newTestNamer(svc, testNamingConfig())

		_, err := n.Name(context.Background(), 1, invoiceSamples())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model not found")
		assert.Equal(t, 1, svc.calls)
	})

	t.Run("breaker opens after repeated failures", func(t *testing.T) {
		svc := &fakeService{err: errors.New("boom")}
		n := NewNamer(svc, testNamingConfig())

		for i := 0; i < 5; i++ {
			samples := []store.Sample{{Path: "/p", Text: strings.Repeat("distinct text ", i+2)}}
			_, err := n.Name(context.Background(), int64(i), samples)
			require.Error(t, err)
		}
		assert.Equal(t, 3, svc.calls)
	})
}

func TestNamerSampleBounds(t *testing.T) {
	svc := &fakeService{replies: []string{"Long_Documents"}}
	cfg := testNamingConfig()
	cfg.MaxSamples = 2
	cfg.SampleChars = 20
	n := NewNamer(svc, cfg)

	samples := []store.Sample{
		{Path: "/1", Text: strings.Repeat("a", 100)},
		{Path: "/2", Text: strings.Repeat("b", 100)},
		{Path: "/3", Text: strings.Repeat("c", 100)},
	}

	_, err := n.Name(context.Background(), 1, samples)
	require.NoError(t, err)

	assert.Contains(t, svc.lastUser, strings.Repeat("a", 20))
	assert.NotContains(t, svc.lastUser, strings.Repeat("a", 21))
	assert.NotContains(t, svc.lastUser, strings.Repeat("c", 5))
}

func TestNamerCombinedLimit(t *testing.T) {
	svc := &fakeService{replies: []string{"Big_Samples"}}
	n := NewNamer(svc, testNamingConfig())

	var samples []store.Sample
	for _, r := range "vwxyz" {
		samples = append(samples, store.Sample{Path: "/" + string(r), Text: strings.Repeat(string(r), 500)})
	}

	_, err := n.Name(context.Background(), 1, samples)
	require.NoError(t, err)
	assert.Contains(t, svc.lastUser, strings.Repeat("x", 100))
	assert.NotContains(t, svc.lastUser, "zzzz")
}
