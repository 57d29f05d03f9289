package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1KB", KB},
		{"1.5 GB", GB + GB/2},
		{"512Mi", 512 * MB},
		{"2t", 2 * TB},
		{"  10 b ", 10},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "GB", "12 parsecs", "1..2MB", "-5"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "1.00 KB", Format(KB))
	assert.Equal(t, "1.50 GB", Format(GB+GB/2))
}

func TestSizeYAML(t *testing.T) {
	var cfg struct {
		Quota    Size `yaml:"quota"`
		Capacity Size `yaml:"capacity"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("quota: 1GB\ncapacity: 4096\n"), &cfg))
	assert.Equal(t, GB, cfg.Quota.Bytes())
	assert.Equal(t, int64(4096), cfg.Capacity.Bytes())

	assert.Error(t, yaml.Unmarshal([]byte("quota: lots\n"), &cfg))
}
