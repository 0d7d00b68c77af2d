package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `{
	// gateway identity
	"proxyMode": "dimse",
	"dimseProxySettings": {
		"proxyServer": { "aet": "PROXY", "ip": "0.0.0.0", "port": 8888 },
		"peers": [
			{ "aet": "PACS", "ip": "10.0.0.5", "port": 104 }, // trailing comma ok
		],
	},
}`

func TestLoadFileAppliesDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "dimse", cfg.ProxyMode)
	assert.Equal(t, 8080, cfg.WebserverPort)
	assert.Equal(t, "./data", cfg.StoragePath)
	assert.Equal(t, 60*time.Minute, cfg.Retention())
	assert.Equal(t, int64(4096)*1024*1024, cfg.MaxCacheSizeBytes())
	assert.True(t, cfg.EnableCache)
	assert.False(t, cfg.UseCget)
	assert.Equal(t, "INSTANCE", cfg.UseFetchLevel)
	assert.Equal(t, 4, cfg.MaxAssociations)
	assert.True(t, cfg.QidoAppendWildcard)
	assert.Equal(t, "memory", cfg.QidoCache.Type)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.Equal(t, "PACS", cfg.Primary().AET)
	assert.Equal(t, "10.0.0.5:104", cfg.Primary().Addr())
	assert.Equal(t, map[string]bool{"PACS": true}, cfg.PeerAETs())
}

func TestLoadFileOverrides(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `{
		"proxyMode": "dimse",
		"webserverPort": 9090,
		"storagePath": "/var/cache/dicom",
		"cacheRetentionMinutes": 5,
		"useCget": true,
		"useFetchLevel": "SERIES",
		"dimseProxySettings": {
			"proxyServer": { "aet": "PROXY", "ip": "0.0.0.0", "port": 8888 },
			"peers": [
				{ "aet": "PACS1", "ip": "10.0.0.5", "port": 104 },
				{ "aet": "PACS2", "ip": "10.0.0.6", "port": 104 }
			]
		},
		"cors": { "origin": "https://viewer.example.com, https://ris.example.com" },
		"qidoCache": { "enabled": true, "type": "redis", "ttlSeconds": 120 }
	}`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.WebserverPort)
	assert.True(t, cfg.UseCget)
	assert.Equal(t, "SERIES", cfg.UseFetchLevel)
	assert.Equal(t, 5*time.Minute, cfg.Retention())
	assert.Equal(t, "PACS1", cfg.Primary().AET)
	assert.Equal(t, map[string]bool{"PACS1": true, "PACS2": true}, cfg.PeerAETs())
	assert.Equal(t, []string{"https://viewer.example.com", "https://ris.example.com"}, cfg.CORS.Origins())
	assert.Equal(t, "redis", cfg.QidoCache.Type)
	assert.Equal(t, 2*time.Minute, cfg.QidoCache.TTL())
}

func TestLoadFileRejectsDicomwebMode(t *testing.T) {
	_, err := LoadFile(writeConfig(t, `{
		"proxyMode": "dicomweb",
		"dimseProxySettings": {
			"proxyServer": { "aet": "PROXY", "ip": "0.0.0.0", "port": 8888 },
			"peers": [{ "aet": "PACS", "ip": "10.0.0.5", "port": 104 }]
		}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestLoadFileValidation(t *testing.T) {
	cases := map[string]string{
		"no peers": `{
			"proxyMode": "dimse",
			"dimseProxySettings": {
				"proxyServer": { "aet": "PROXY", "ip": "0.0.0.0", "port": 8888 },
				"peers": []
			}
		}`,
		"aet too long": `{
			"proxyMode": "dimse",
			"dimseProxySettings": {
				"proxyServer": { "aet": "PROXY", "ip": "0.0.0.0", "port": 8888 },
				"peers": [{ "aet": "THIS_AET_IS_TOO_LONG", "ip": "10.0.0.5", "port": 104 }]
			}
		}`,
		"bad fetch level": `{
			"proxyMode": "dimse",
			"useFetchLevel": "PATIENT",
			"dimseProxySettings": {
				"proxyServer": { "aet": "PROXY", "ip": "0.0.0.0", "port": 8888 },
				"peers": [{ "aet": "PACS", "ip": "10.0.0.5", "port": 104 }]
			}
		}`,
		"bad proxy mode": `{
			"proxyMode": "tunnel",
			"dimseProxySettings": {
				"proxyServer": { "aet": "PROXY", "ip": "0.0.0.0", "port": 8888 },
				"peers": [{ "aet": "PACS", "ip": "10.0.0.5", "port": 104 }]
			}
		}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestQidoCacheTTLDefault(t *testing.T) {
	assert.Equal(t, 60*time.Second, QidoCacheConfig{}.TTL())
}

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, splitCSV(""))
	assert.Equal(t, []string{"a", "b"}, splitCSV("a, b,"))
}
