package flatten

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		obj  any
		want map[string]string
	}{
		{
			name: "nested objects",
			obj: map[string]any{
				"ip": "203.0.113.5",
				"service": map[string]any{
					"port":     float64(554),
					"protocol": "rtsp",
				},
			},
			want: map[string]string{
				"ip":               "203.0.113.5",
				"service.port":     "554",
				"service.protocol": "rtsp",
			},
		},
		{
			name: "list of primitives joins with semicolons",
			obj: map[string]any{
				"fqdns": []any{"a.example.com", "b.example.com"},
			},
			want: map[string]string{
				"fqdns":       "a.example.com;b.example.com",
				"fqdns_count": "2",
			},
		},
		{
			name: "nil entries drop from the join and count",
			obj: map[string]any{
				"tags": []any{"camera", nil, "onvif"},
			},
			want: map[string]string{
				"tags":       "camera;onvif",
				"tags_count": "2",
			},
		},
		{
			name: "list of objects stringifies",
			obj: map[string]any{
				"cves": []any{map[string]any{"id": "CVE-2021-36260"}},
			},
			want: map[string]string{
				"cves":       `[{"id":"CVE-2021-36260"}]`,
				"cves_count": "1",
			},
		},
		{
			name: "raw certificate subtree is dropped",
			obj: map[string]any{
				"service": map[string]any{
					"tls": map[string]any{
						"raw":     "-----BEGIN CERTIFICATE-----",
						"version": "1.3",
					},
				},
			},
			want: map[string]string{
				"service.tls.version": "1.3",
			},
		},
		{
			name: "booleans and newlines",
			obj: map[string]any{
				"active": true,
				"banner": "HTTP/1.1 200 OK\r\nServer: DVRDVS-Webs",
			},
			want: map[string]string{
				"active": "true",
				"banner": "HTTP/1.1 200 OK Server: DVRDVS-Webs",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Flatten(tt.obj))
		})
	}
}

func TestNormalizeFqdns(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  []string
	}{
		{
			name:  "list",
			value: []any{"a.example.com.", " b.example.com "},
			want:  []string{"a.example.com", "b.example.com"},
		},
		{
			name:  "string with mixed separators",
			value: "a.example.com;b.example.com|c.example.com, d.example.com",
			want:  []string{"a.example.com", "b.example.com", "c.example.com", "d.example.com"},
		},
		{
			name:  "nil",
			value: nil,
			want:  nil,
		},
		{
			name:  "list with embedded whitespace",
			value: []any{"a.example.com\tb.example.com"},
			want:  []string{"a.example.com", "b.example.com"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeFqdns(tt.value))
		})
	}
}

func TestNormalizeDomainToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{name: "valid", token: "Example.COM.", want: "example.com"},
		{name: "subdomain", token: "cam.example.com", want: "cam.example.com"},
		{name: "leading dash", token: "-bad.example.com", want: ""},
		{name: "no tld", token: "localhost", want: ""},
		{name: "empty", token: "  ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeDomainToken(tt.token))
		})
	}
}

func TestKnownDomains_Match(t *testing.T) {
	hostDir := t.TempDir()
	domainDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "modat_host_acme.com_20250101.json"),
		[]byte(`{"results": []}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(domainDir, "networksdb_other.nl_20250101.json"),
		[]byte(`{"domain": "other.nl"}`), 0o644))

	known := LoadKnownDomains(hostDir, domainDir)
	assert.Equal(t, 2, known.Size())

	tests := []struct {
		name  string
		fqdns []string
		want  string
	}{
		{name: "exact", fqdns: []string{"acme.com"}, want: "acme.com"},
		{name: "suffix", fqdns: []string{"cam01.acme.com"}, want: "acme.com"},
		{name: "both sources", fqdns: []string{"cam.acme.com", "vpn.other.nl"}, want: "acme.com;other.nl"},
		{name: "lookalike does not match", fqdns: []string{"notacme.com"}, want: ""},
		{name: "empty", fqdns: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, known.Match(tt.fqdns))
		})
	}
}

func TestLoadKnownDomains(t *testing.T) {
	hostDir := t.TempDir()
	domainDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(domainDir, "networksdb_acme.com_20250101.json"),
		[]byte(`{"domain": "acme.com"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(domainDir, "networksdb_broken_20250101.json"),
		[]byte(`not json`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(domainDir, "notes.txt"),
		[]byte("widget.org"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "modat_host_example.com_20250101.json"),
		[]byte(`{"results": []}`), 0o644))

	known := LoadKnownDomains(hostDir, domainDir)
	assert.True(t, known.Contains("acme.com"))
	assert.True(t, known.Contains("example.com"))
	assert.False(t, known.Contains("widget.org"))
	assert.Equal(t, 2, known.Size())

	// missing directories yield an empty index
	empty := LoadKnownDomains(filepath.Join(hostDir, "nope"), filepath.Join(domainDir, "nope"))
	assert.Equal(t, 0, empty.Size())
}

func TestBuilder_Build(t *testing.T) {
	serviceDir := t.TempDir()
	hostDir := t.TempDir()
	domainDir := t.TempDir()
	outputDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "modat_host_acme.com_20250101.json"),
		[]byte(`{"results": []}`), 0o644))

	service := `{"ip": "203.0.113.5", "results": [
		{"fqdns": ["cam01.acme.com"], "service": {"port": 554, "protocol": "rtsp"}},
		{"fqdns": [], "service": {"port": 80, "protocol": "http"}}
	]}`
	require.NoError(t, os.WriteFile(filepath.Join(serviceDir, "modat_service_203.0.113.5_20250601.json"),
		[]byte(service), 0o644))

	b := NewBuilder(serviceDir, hostDir, domainDir, outputDir)
	res, err := b.Build()
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.Rows)

	raw, err := os.ReadFile(res.OutPath)
	require.NoError(t, err)
	content := strings.TrimPrefix(string(raw), "\xef\xbb\xbf")
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	require.Len(t, lines, 3)

	// deterministic sorted header with the provenance columns present
	assert.Equal(t,
		`"fqdns","fqdns_count","nidv_company","nidv_hit","scan_date","service.port","service.protocol","source_file","source_ip"`,
		lines[0])
	assert.Contains(t, lines[1], `"cam01.acme.com","1","acme.com","1","20250601","554","rtsp"`)
	assert.Contains(t, lines[2], `"","0","","0"`)

	// second build skips via the manifest
	res2, err := NewBuilder(serviceDir, hostDir, domainDir, outputDir).Build()
	require.NoError(t, err)
	assert.True(t, res2.Skipped)

	// force rebuilds anyway
	res3, err := NewBuilder(serviceDir, hostDir, domainDir, outputDir, WithForce(true)).Build()
	require.NoError(t, err)
	assert.False(t, res3.Skipped)
}

func TestBuilder_Build_NoInput(t *testing.T) {
	b := NewBuilder(t.TempDir(), t.TempDir(), t.TempDir(), t.TempDir())
	_, err := b.Build()
	assert.ErrorContains(t, err, "no service JSON")
}

func TestFingerprint_ChangesWithDataset(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "modat_service_10.0.0.1_20250101.json"),
		[]byte(`{}`), 0o644))

	fp1, err := Fingerprint(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, fp1.FileCount)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "modat_service_10.0.0.2_20250101.json"),
		[]byte(`{}`), 0o644))

	fp2, err := Fingerprint(dir)
	require.NoError(t, err)
	assert.NotEqual(t, fp1.SHA256, fp2.SHA256)
}
