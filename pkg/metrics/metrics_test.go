package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	require.Nil(t, New())
}

func TestRegisterConstructorUsedOnceEnabled(t *testing.T) {
	called := false
	RegisterConstructor(func() Metrics {
		called = true
		return nil
	})
	InitRegistry()
	t.Cleanup(func() {
		mu.Lock()
		enabled = false
		registry = nil
		mu.Unlock()
	})

	require.True(t, IsEnabled())
	require.NotNil(t, GetRegistry())
	New()
	require.True(t, called)
}
