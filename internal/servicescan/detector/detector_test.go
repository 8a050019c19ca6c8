package detector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentry/internal/servicescan/models"
	"consentry/pkg/platform/circuit"
)

const page = `<html><head>
<script async src="https://www.GoogleTagManager.com/gtag/js?id=G-1"></script>
<script src="https://static.hotjar.com/c/hotjar-1.js"></script>
</head><body><iframe src="https://www.youtube-nocookie.com/embed/xyz"></iframe></body></html>`

func TestRegistryDetectsInOrder(t *testing.T) {
	reg := NewRegistry(Builtin()...)

	found := reg.Detect(context.Background(), NewPage("https://example.com", page))

	slugs := make([]string, 0, len(found))
	for _, s := range found {
		slugs = append(slugs, s.Slug)
	}
	assert.Equal(t, []string{"google-analytics", "hotjar", "youtube"}, slugs)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	svc := models.Service{Slug: "x", Name: "X"}
	reg := NewRegistry(NewSignatureDetector(svc, "x.js"))

	assert.False(t, reg.Register(NewSignatureDetector(svc, "other.js")))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reg := NewRegistry(Builtin()...)

	assert.Empty(t, reg.Detect(ctx, NewPage("", page)))
}

func TestPageContainsWithoutConstructor(t *testing.T) {
	p := Page{HTML: "<script src=\"https://SNAP.LICDN.COM/x.js\">"}
	assert.True(t, p.Contains("snap.licdn.com"))
}

func TestFetcher(t *testing.T) {
	t.Run("returns the page body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "consentry-audit/1.0", r.Header.Get("User-Agent"))
			_, _ = w.Write([]byte(page))
		}))
		defer srv.Close()

		got, err := NewFetcher(srv.URL, time.Second, nil).Fetch(context.Background())

		require.NoError(t, err)
		assert.True(t, got.Contains("static.hotjar.com"))
	})

	t.Run("repeated failures open the breaker", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		breaker := circuit.New("test_fetch", circuit.WithFailureThreshold(2), circuit.WithOpenTimeout(time.Hour))
		f := NewFetcher(srv.URL, time.Second, breaker)

		for range 2 {
			_, err := f.Fetch(context.Background())
			require.Error(t, err)
		}
		_, err := f.Fetch(context.Background())

		assert.True(t, errors.Is(err, circuit.ErrOpen))
		assert.EqualValues(t, 2, hits.Load())
	})
}
