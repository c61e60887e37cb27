package conf

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTestConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "conf", "test", "conf.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Store.Driver)
	assert.Equal(t, "fixed", c.Oracle.Source)
	assert.Equal(t, "keeper", c.Keeper.Liquidator)
	assert.Equal(t, 500*time.Millisecond, c.Keeper.CriticalInterval)
	assert.Equal(t, "admin", c.Admin.Authority)
	assert.True(t, c.Admin.AdminControlsPrices)
	assert.Equal(t, "vamm.history.", c.Kafka.TopicPrefix)
	assert.Equal(t, "vamm-ledger", c.Ledger.Queue)
	assert.Equal(t, 100, c.Ledger.BatchSize)
	assert.Equal(t, 500*time.Millisecond, c.Ledger.FlushInterval)
}

const baseYAML = `
store:
  driver: %s
  dsn: %s
oracle:
  source: fixed
keeper:
  liquidator: keeper
admin:
  authority: admin
`

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		dsn     string
		wantErr bool
	}{
		{"memory", "memory", `""`, false},
		{"mysql with dsn", "mysql", "root@tcp(localhost)/vamm", false},
		{"mysql without dsn", "mysql", `""`, true},
		{"unknown driver", "sqlite", `""`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(fmt.Sprintf(baseYAML, tt.driver, tt.dsn)))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("VAMM_TEST_DSN", "postgres://vamm@localhost/vamm")
	c, err := Parse([]byte(fmt.Sprintf(baseYAML, "postgres", "${VAMM_TEST_DSN}")))
	require.NoError(t, err)
	assert.Equal(t, "postgres://vamm@localhost/vamm", c.Store.DSN)

	var buf bytes.Buffer
	c.Dump(&buf)
	assert.NotContains(t, buf.String(), "postgres://")
	assert.Contains(t, buf.String(), "******")
}

func TestParseRequiresAdmin(t *testing.T) {
	_, err := Parse([]byte("store:\n  driver: memory\noracle:\n  source: fixed\nkeeper:\n  liquidator: k\n"))
	assert.Error(t, err)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("GO_ENV", "")
	assert.Equal(t, "test", GetEnv())
	t.Setenv("GO_ENV", "dev")
	assert.Equal(t, "dev", GetEnv())
}
