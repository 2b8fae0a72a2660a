package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParams() Params {
	return Params{MaxNewTokens: 16, Temperature: 1, TopP: 1, RepetitionPenalty: 1}
}

func TestParamsValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validParams().Validate())
}

func TestParamsValidateMaxNewTokensBoundary(t *testing.T) {
	p := validParams()
	p.MaxNewTokens = 1
	assert.NoError(t, p.Validate())

	p.MaxNewTokens = 0
	assert.Error(t, p.Validate())
}

func TestParamsValidateRejectsNegativeTemperature(t *testing.T) {
	p := validParams()
	p.Temperature = -0.1
	require.Error(t, p.Validate())
}

func TestParamsValidateRejectsOutOfRangeTopP(t *testing.T) {
	p := validParams()
	p.TopP = 0
	require.Error(t, p.Validate())

	p.TopP = 1.5
	require.Error(t, p.Validate())

	p.TopP = 1
	require.NoError(t, p.Validate())
}

func TestParamsValidateRejectsNegativeTopK(t *testing.T) {
	p := validParams()
	p.TopK = -1
	require.Error(t, p.Validate())
}
