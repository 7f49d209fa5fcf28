package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_UsageErrors(t *testing.T) {
	var out, errOut bytes.Buffer

	assert.Equal(t, exitUsage, Run([]string{"studio"}, &out, &errOut))
	assert.Equal(t, exitUsage, Run([]string{"studio", "frobnicate"}, &out, &errOut))
	assert.Equal(t, exitUsage, Run([]string{"studio", "flags"}, &out, &errOut))
	assert.Equal(t, exitUsage, Run([]string{"studio", "flags", "set", "only-name"}, &out, &errOut))
	assert.Equal(t, exitUsage, Run([]string{"studio", "assets"}, &out, &errOut))
}

func TestRun_Help(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, exitOK, Run([]string{"studio", "help"}, &out, &errOut))
	assert.True(t, strings.Contains(out.String(), "studio serve"))
}

func TestParseFlagValue(t *testing.T) {
	assert.Equal(t, true, parseFlagValue("true"))
	assert.Equal(t, false, parseFlagValue("false"))
	assert.Equal(t, 2.5, parseFlagValue("2.5"))
	assert.Equal(t, "fast", parseFlagValue("fast"))
}
