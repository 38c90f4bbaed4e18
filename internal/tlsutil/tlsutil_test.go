package tlsutil

import (
	"crypto/tls"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig_AllowsOnlyAEADSuites(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.EqualValues(t, tls.VersionTLS12, cfg.MinVersion)
	require.NotEmpty(t, cfg.CipherSuites)

	insecure := make(map[uint16]bool)
	for _, cs := range tls.InsecureCipherSuites() {
		insecure[cs.ID] = true
	}
	for _, id := range cfg.CipherSuites {
		assert.False(t, insecure[id], "cipher suite %#x is on the insecure list", id)
	}
}

func TestSecureTransport(t *testing.T) {
	tr := SecureTransport()
	require.NotNil(t, tr.TLSClientConfig)
	assert.EqualValues(t, tls.VersionTLS12, tr.TLSClientConfig.MinVersion)
	assert.True(t, tr.ForceAttemptHTTP2)
	assert.Equal(t, 10*time.Second, tr.TLSHandshakeTimeout)
}

func TestSecureHTTPClient(t *testing.T) {
	client := SecureHTTPClient(15 * time.Second)
	assert.Equal(t, 15*time.Second, client.Timeout)
	require.IsType(t, &http.Transport{}, client.Transport)
}
