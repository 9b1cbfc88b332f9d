package common

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestStringToLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, StringToLevel("warn"))
	assert.Equal(t, zerolog.TraceLevel, StringToLevel("trace"))
	// garbage falls back to debug
	assert.Equal(t, zerolog.DebugLevel, StringToLevel("not-a-level"))
}

func TestUnescapeHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	assert.Equal(t, home+"/x", UnescapeHome("~/x"))
	assert.Equal(t, "/absolute/path", UnescapeHome("/absolute/path"))
	assert.Equal(t, "relative", UnescapeHome("relative"))
}
