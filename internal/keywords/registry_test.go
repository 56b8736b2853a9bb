package keywords

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenlink/support-core/internal/database"
)

type countingLister struct {
	keywords []*database.Keyword
	err      error
	calls    int
}

func (l *countingLister) ListEnabled(ctx context.Context) ([]*database.Keyword, error) {
	l.calls++
	return l.keywords, l.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistry_ActiveKeywords(t *testing.T) {
	t.Run("Snapshot Is Cached", func(t *testing.T) {
		lister := &countingLister{keywords: []*database.Keyword{
			{Term: "hopeless", Severity: database.SeverityHigh},
		}}
		registry := NewRegistry(lister, time.Minute, testLogger())

		for i := 0; i < 3; i++ {
			keywords, err := registry.ActiveKeywords(context.Background())
			require.NoError(t, err)
			assert.Len(t, keywords, 1)
		}

		assert.Equal(t, 1, lister.calls, "repeated reads within the TTL hit the cache")
	})

	t.Run("Invalidate Forces Reload", func(t *testing.T) {
		lister := &countingLister{keywords: []*database.Keyword{
			{Term: "hopeless", Severity: database.SeverityHigh},
		}}
		registry := NewRegistry(lister, time.Minute, testLogger())

		_, err := registry.ActiveKeywords(context.Background())
		require.NoError(t, err)

		lister.keywords = append(lister.keywords, &database.Keyword{
			Term: "hurt myself", Severity: database.SeverityCritical, RequiresImmediateEscalation: true,
		})
		registry.Invalidate()

		keywords, err := registry.ActiveKeywords(context.Background())
		require.NoError(t, err)
		assert.Len(t, keywords, 2)
		assert.Equal(t, 2, lister.calls)
	})

	t.Run("Source Failure Is Not Cached", func(t *testing.T) {
		lister := &countingLister{err: errors.New("db down")}
		registry := NewRegistry(lister, time.Minute, testLogger())

		_, err := registry.ActiveKeywords(context.Background())
		require.Error(t, err)

		lister.err = nil
		lister.keywords = []*database.Keyword{{Term: "hopeless"}}

		keywords, err := registry.ActiveKeywords(context.Background())
		require.NoError(t, err)
		assert.Len(t, keywords, 1)
	})
}
