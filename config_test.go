// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcoap

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/session"
	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "MCOAP_TEST_"

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Prefix: prefix})
	require.NoError(t, err)

	assert.Equal(t, ":5683", cfg.UDPAddress)
	assert.Equal(t, "/.well-known/coap", cfg.WSPath)
	assert.Nil(t, cfg.TLSConfig)

	ec := cfg.Engine(nil, nil)
	assert.Equal(t, session.DefaultParams(), ec.Params)
	assert.Equal(t, session.DefaultMTU, ec.MTU)
	assert.Equal(t, session.DefaultSessionTimeout, ec.SessionTimeout)
	assert.Equal(t, 5, ec.ObserveMaxNon)
	assert.Equal(t, 3, ec.ObserveMaxFail)
	assert.Equal(t, uint8(6), ec.BlockSZX)
	assert.True(t, ec.BlockMode.Has(session.BlockUseEngine|session.BlockSingleBody))
	assert.Equal(t, 247*time.Second, ec.ExchangeLifetime)
}

func TestNewConfigEnvironment(t *testing.T) {
	t.Setenv(prefix+"ACK_TIMEOUT", "3s")
	t.Setenv(prefix+"MAX_RETRANSMIT", "2")
	t.Setenv(prefix+"BLOCK_MODE", BlockModeApp)
	t.Setenv(prefix+"BLOCK_SZX", "2")

	cfg, err := NewConfig(env.Options{Prefix: prefix})
	require.NoError(t, err)

	ec := cfg.Engine(nil, nil)
	assert.Equal(t, 3*time.Second, ec.Params.AckTimeout)
	assert.Equal(t, 2, ec.Params.MaxRetransmit)
	assert.Equal(t, session.BlockMode(0), ec.BlockMode)
	assert.Equal(t, uint8(2), ec.BlockSZX)
}

func TestNewConfigFileOverridesEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcoap.yaml")
	data := []byte("udp_address: 127.0.0.1:5700\nobserve_max_non: 9\nblock_mode: engine-blocks\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv(prefix+"CONFIG_FILE", path)
	t.Setenv(prefix+"UDP_ADDRESS", ":6000")
	t.Setenv(prefix+"OBSERVE_MAX_FAIL", "7")

	cfg, err := NewConfig(env.Options{Prefix: prefix})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5700", cfg.UDPAddress)
	assert.Equal(t, 9, cfg.ObserveMaxNon)
	assert.Equal(t, 7, cfg.ObserveMaxFail)
	assert.Equal(t, session.BlockUseEngine, cfg.Engine(nil, nil).BlockMode)
}

func TestNewConfigInvalid(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
		err  error
	}{
		{name: "block mode", key: "BLOCK_MODE", val: "both", err: errBlockMode},
		{name: "szx", key: "BLOCK_SZX", val: "7", err: errBlockSZX},
		{name: "cert without key", key: "CERT_FILE", val: "cert.pem", err: errTLSFiles},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(prefix+tc.key, tc.val)
			_, err := NewConfig(env.Options{Prefix: prefix})
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestNewConfigMissingFile(t *testing.T) {
	t.Setenv(prefix+"CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := NewConfig(env.Options{Prefix: prefix})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(prefix+"LOG_LEVEL=debug\n"), 0o600))
	t.Setenv(prefix+"LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv(prefix+"LOG_LEVEL"))

	require.NoError(t, LoadEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	cfg, err := NewConfig(env.Options{Prefix: prefix})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)

	var buf bytes.Buffer
	cfg.Logger(&buf).Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}
