package urlx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/bolt/internal/bolterr"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		scheme   string
		host     string
		port     string
		path     string
		query    string
		fragment string
		filename string
	}{
		{
			name:     "simple https",
			input:    "https://example.com/file.zip",
			scheme:   "https",
			host:     "example.com",
			path:     "/file.zip",
			filename: "file.zip",
		},
		{
			name:     "explicit port",
			input:    "http://example.com:8080/path",
			scheme:   "http",
			host:     "example.com",
			port:     "8080",
			path:     "/path",
			filename: "path",
		},
		{
			name:     "query and fragment",
			input:    "https://example.com/file.zip?v=1#sec",
			scheme:   "https",
			host:     "example.com",
			path:     "/file.zip",
			query:    "v=1",
			fragment: "sec",
			filename: "file.zip",
		},
		{
			name:     "trailing slash",
			input:    "https://example.com/folder/",
			scheme:   "https",
			host:     "example.com",
			path:     "/folder/",
			filename: "index.html",
		},
		{
			name:     "no path",
			input:    "https://example.com",
			scheme:   "https",
			host:     "example.com",
			path:     "/",
			filename: "index.html",
		},
		{
			name:     "uppercase scheme lowered",
			input:    "HTTPS://example.com/a.bin",
			scheme:   "https",
			host:     "example.com",
			path:     "/a.bin",
			filename: "a.bin",
		},
		{
			name:     "ipv6 host with port",
			input:    "http://[::1]:9000/data",
			scheme:   "http",
			host:     "[::1]",
			port:     "9000",
			path:     "/data",
			filename: "data",
		},
		{
			name:     "userinfo",
			input:    "https://user@example.com/f",
			scheme:   "https",
			host:     "example.com",
			path:     "/f",
			filename: "f",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, u.Scheme())
			assert.Equal(t, tt.host, u.Host())
			assert.Equal(t, tt.port, u.Port())
			assert.Equal(t, tt.path, u.Path())
			assert.Equal(t, tt.query, u.Query())
			assert.Equal(t, tt.fragment, u.Fragment())
			assert.Equal(t, tt.filename, u.Filename())
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{
		"example.com/file.zip",
		"",
		"://nohost",
		"https://",
		"https://@/path",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			require.Error(t, err)
			assert.Equal(t, bolterr.KindInvalidURL, bolterr.KindOf(err))
		})
	}
}

func TestFullRoundTrip(t *testing.T) {
	raw := "https://example.com:8443/dir/file.zip?v=1#frag"
	u, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, u.Full())
	assert.Equal(t, "https://example.com:8443", u.Base())
}

func TestDefaultPort(t *testing.T) {
	http, _ := Parse("http://example.com/")
	https, _ := Parse("https://example.com/")
	assert.Equal(t, uint16(80), http.DefaultPort())
	assert.Equal(t, uint16(443), https.DefaultPort())
}
