package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	log, err := New("debug", "json")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.Logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Logger.Formatter)

	log, err = New("warn", "text")
	require.NoError(t, err)
	assert.IsType(t, &logrus.TextFormatter{}, log.Logger.Formatter)

	_, err = New("loud", "text")
	assert.Error(t, err)
}
