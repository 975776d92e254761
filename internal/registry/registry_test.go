package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-backbone/internal/models"
)

func namedHandler(order *[]string, name string) Handler {
	return func(_ context.Context, _ models.Signal, _ Delivery) error {
		*order = append(*order, name)
		return nil
	}
}

func TestHandlersForExactAndPattern(t *testing.T) {
	var order []string
	r := New()
	r.RegisterHandler("forum.thread.created", namedHandler(&order, "exact"))
	r.RegisterHandler("forum.*", namedHandler(&order, "prefix"))
	r.RegisterHandler("*", namedHandler(&order, "wildcard"))
	r.RegisterHandler("package.install", namedHandler(&order, "other"))

	handlers := r.HandlersFor("forum.thread.created")
	require.Len(t, handlers, 3)
	for _, h := range handlers {
		require.NoError(t, h(context.Background(), models.Signal{}, Delivery{}))
	}
	// Registration order is preserved.
	assert.Equal(t, []string{"exact", "prefix", "wildcard"}, order)
}

func TestPatternMatching(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"forum.thread.created", "forum.thread.created", true},
		{"forum.thread.created", "forum.thread.deleted", false},
		{"forum.*", "forum.thread.created", true},
		{"forum.*", "forumx.thread.created", false},
		{"forum.*", "forum", false},
		{"directive.*", "directive.succeeded", true},
		{"*", "anything.at.all", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, matches(c.pattern, c.name), "%s vs %s", c.pattern, c.name)
	}
}

func TestHandlersForNoMatch(t *testing.T) {
	r := New()
	r.RegisterHandler("forum.*", func(_ context.Context, _ models.Signal, _ Delivery) error { return nil })
	assert.Empty(t, r.HandlersFor("package.installed"))
}

func TestRegisterHandlerIgnoresNil(t *testing.T) {
	r := New()
	r.RegisterHandler("", func(_ context.Context, _ models.Signal, _ Delivery) error { return nil })
	r.RegisterHandler("forum.*", nil)
	assert.Empty(t, r.HandlersFor("forum.thread.created"))
}

func TestExecutorRegistrationReplaces(t *testing.T) {
	r := New()
	r.RegisterExecutor("package.install", func(_ context.Context, _ models.Directive, _ Delivery) (map[string]any, error) {
		return map[string]any{"version": 1}, nil
	})
	r.RegisterExecutor("package.install", func(_ context.Context, _ models.Directive, _ Delivery) (map[string]any, error) {
		return map[string]any{"version": 2}, nil
	})

	exec, ok := r.ExecutorFor("package.install")
	require.True(t, ok)
	result, err := exec(context.Background(), models.Directive{}, Delivery{})
	require.NoError(t, err)
	assert.Equal(t, 2, result["version"])

	_, ok = r.ExecutorFor("package.uninstall")
	assert.False(t, ok)
}
