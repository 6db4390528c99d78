package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		requireTLS bool
		wantErr    bool
	}{
		{"public ip over https", "https://93.184.216.34/notify", true, false},
		{"plain http outside production", "http://93.184.216.34/notify", false, false},
		{"plain http in production", "http://93.184.216.34/notify", true, true},
		{"bad scheme", "ftp://93.184.216.34", false, true},
		{"no host", "https:///notify", false, true},
		{"localhost", "https://LOCALHOST:8443", false, true},
		{"metadata host", "http://metadata.google.internal/computeMetadata", false, true},
		{"loopback", "https://127.0.0.1", false, true},
		{"ipv6 loopback", "https://[::1]/notify", false, true},
		{"v4-mapped private", "https://[::ffff:10.0.0.5]/notify", false, true},
		{"private", "https://10.0.0.5", false, true},
		{"shared address space", "https://100.64.1.1", false, true},
		{"link local metadata", "http://169.254.169.254/latest", false, true},
		{"unspecified", "https://0.0.0.0", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpointURL(context.Background(), tt.url, tt.requireTLS)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBlockedEndpoint)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
