package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurunrao/taskmesh/internal/model"
)

func accumulate(c Collector, results ...model.Result) ([]byte, error) {
	acc := c.Supply()
	for _, r := range results {
		acc = c.Accumulate(acc, r)
	}
	return c.Finish(acc)
}

func TestCollectors(t *testing.T) {
	registry := NewRegistry()

	ok := func(value string) model.Result {
		return model.Result{Value: []byte(value), At: time.Now()}
	}
	failed := model.Result{Error: "boom", At: time.Now()}

	t.Run("Last", func(t *testing.T) {
		c, found := registry.Collector(CollectorLast)
		require.True(t, found)

		final, err := accumulate(c, ok(`1`), ok(`2`), failed)
		require.NoError(t, err)
		assert.Equal(t, []byte(`2`), final)
	})

	t.Run("First", func(t *testing.T) {
		c, found := registry.Collector(CollectorFirst)
		require.True(t, found)

		final, err := accumulate(c, failed, ok(`1`), ok(`2`))
		require.NoError(t, err)
		assert.Equal(t, []byte(`1`), final)
	})

	t.Run("List", func(t *testing.T) {
		c, found := registry.Collector(CollectorList)
		require.True(t, found)

		final, err := accumulate(c, ok(`1`), failed, ok(`2`))
		require.NoError(t, err)
		assert.JSONEq(t, `[1,2]`, string(final))
	})

	t.Run("Count", func(t *testing.T) {
		c, found := registry.Collector(CollectorCount)
		require.True(t, found)

		final, err := accumulate(c, ok(`1`), failed, ok(`2`))
		require.NoError(t, err)
		assert.Equal(t, []byte(`2`), final)
	})
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	t.Run("Handlers", func(t *testing.T) {
		_, found := registry.Handler("missing")
		assert.False(t, found)

		registry.RegisterHandler("echo", HandlerFunc(func(ctx Context) Outcome {
			return Complete(ctx.Payload())
		}))
		_, found = registry.Handler("echo")
		assert.True(t, found)
	})

	t.Run("Custom Collector", func(t *testing.T) {
		registry.RegisterCollector("mine", lastValue{})
		_, found := registry.Collector("mine")
		assert.True(t, found)
	})
}

func TestCron(t *testing.T) {
	t.Run("Validate", func(t *testing.T) {
		assert.NoError(t, ValidateCronSpec("*/5 * * * * *"))
		assert.Error(t, ValidateCronSpec("not a cron"))
	})

	t.Run("Next Fire Delay", func(t *testing.T) {
		now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		delay, err := NextFireDelay("0 * * * * *", now)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, delay)

		_, err = NextFireDelay("bogus", now)
		assert.Error(t, err)
	})
}
