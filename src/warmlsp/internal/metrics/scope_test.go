package metrics

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func freeAddress(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

func TestNewScope(t *testing.T) {
	t.Run("without exporter", func(t *testing.T) {
		provider, err := config.NewStaticProvider(map[string]interface{}{
			"metrics": map[string]interface{}{"prometheusAddress": ""},
		})
		require.NoError(t, err)
		lc := fxtest.NewLifecycle(t)

		scope, err := NewScope(ScopeParams{Config: provider, Lifecycle: lc, Logger: zap.NewNop().Sugar()})
		require.NoError(t, err)
		assert.NotNil(t, scope)
		lc.RequireStart().RequireStop()
	})

	t.Run("prometheus exporter", func(t *testing.T) {
		address := freeAddress(t)
		provider, err := config.NewStaticProvider(map[string]interface{}{
			"service": map[string]interface{}{"name": "warmlsp"},
			"metrics": map[string]interface{}{"prometheusAddress": address},
		})
		require.NoError(t, err)
		lc := fxtest.NewLifecycle(t)

		scope, err := NewScope(ScopeParams{Config: provider, Lifecycle: lc, Logger: zap.NewNop().Sugar()})
		require.NoError(t, err)
		lc.RequireStart()
		defer lc.RequireStop()

		New(scope).Begin("definition")(nil)

		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", address))
		require.NoError(t, err)
		defer resp.Body.Close()
		_, err = io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("invalid address type", func(t *testing.T) {
		provider, err := config.NewStaticProvider(map[string]interface{}{
			"metrics": map[string]interface{}{"prometheusAddress": []string{"a", "b"}},
		})
		require.NoError(t, err)

		_, err = NewScope(ScopeParams{Config: provider, Lifecycle: fxtest.NewLifecycle(t), Logger: zap.NewNop().Sugar()})
		assert.Error(t, err)
	})
}
