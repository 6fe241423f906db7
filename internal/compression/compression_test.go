package compression

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"metricboard/internal/config"
)

func TestSelect(t *testing.T) {
	both := NewSelector(config.CompressionConfig{
		Gzip:   config.CompressorConfig{Enabled: true, Level: 6},
		Brotli: config.CompressorConfig{Enabled: true, Level: 6},
	})
	gzipOnly := NewSelector(config.CompressionConfig{
		Gzip: config.CompressorConfig{Enabled: true, Level: 99},
	})

	tests := []struct {
		name     string
		selector *Selector
		header   string
		want     Encoding
	}{
		{"prefers br", both, "gzip, deflate, br", Brotli},
		{"q weights", both, "br;q=0.5, gzip", Gzip},
		{"br disabled by q=0", both, "br;q=0, gzip;q=0.1", Gzip},
		{"wildcard", gzipOnly, "*", Gzip},
		{"unsupported", both, "deflate", ""},
		{"empty", both, "", ""},
		{"br not enabled", gzipOnly, "br", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.selector.Select(tt.header)
			if tt.want == "" {
				assert.Nil(t, c)
				return
			}
			if assert.NotNil(t, c) {
				assert.Equal(t, tt.want, c.Encoding())
			}
		})
	}
}
