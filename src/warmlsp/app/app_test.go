package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/fx"
)

func TestModule(t *testing.T) {
	assert.NoError(t, fx.ValidateApp(Module))
}
