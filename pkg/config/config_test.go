package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/venue"
)

const sample = `
node:
  data_dir: /var/lib/klp
  block_interval: 1s
addresses:
  gov: "0x00000000000000000000000000000000000000a1"
  wrapped: "0x0000000000000000000000000000000000000010"
roles:
  keepers: ["0x00000000000000000000000000000000000000b1"]
  updaters: ["0x00000000000000000000000000000000000000b2"]
keeper:
  enabled: true
  address: "0x00000000000000000000000000000000000000b1"
  liquidate: true
nats:
  url: ${KLP_TEST_NATS}
prices:
  "0x0000000000000000000000000000000000000010": "300.5"
governance:
  router:
    min_block_delay_public: 5
  klp:
    cooldown_duration: 15m
  tokens:
    - address: "0x0000000000000000000000000000000000000010"
      symbol: BNB
      decimals: 18
      price_decimals: 8
      weight: 10000
      is_shortable: true
      max_usdg_amount: "50000000000000000000000000"
`

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "klp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("KLP_TEST_NATS", "nats://127.0.0.1:4222")
	cfg, err := LoadAndValidate(writeTempFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/klp", cfg.Node.DataDir)
	assert.Equal(t, time.Second, cfg.Node.BlockInterval)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, common.HexToAddress("0xa1"), cfg.Addresses.Gov)
	assert.Equal(t, venue.ComponentAddress("vault"), cfg.Addresses.Vault, "unset addresses keep their defaults")
	assert.Equal(t, []common.Address{common.HexToAddress("0xb1")}, cfg.Roles.Keepers)

	assert.True(t, cfg.Keeper.Enabled)
	assert.True(t, cfg.Keeper.Liquidate)
	assert.Equal(t, time.Second, cfg.Keeper.Interval, "keeper follows the block interval")
	assert.Equal(t, uint64(DefaultKeeperBatch), cfg.Keeper.BatchSize)

	g := cfg.Governance
	assert.Equal(t, uint64(5), g.Router.MinBlockDelayPublic)
	assert.Equal(t, uint64(1), g.Router.MinBlockDelayKeeper, "unset governance fields keep their defaults")
	assert.Equal(t, 15*time.Minute, g.Klp.CooldownDuration)
	require.Len(t, g.Tokens, 1)
	assert.Equal(t, fixed.MustParse("50000000000000000000000000"), g.Tokens[0].MaxUsdgAmount)

	prices := cfg.SeedPrices()
	assert.Equal(t, "300.5", prices[common.HexToAddress("0x10")])
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("addresses:\n  gov: \"0x00000000000000000000000000000000000000a1\"\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultDBEngine, cfg.Node.DBEngine)
	assert.Equal(t, DefaultJSONRPCAddr, cfg.API.JSONRPCAddr)
	assert.Equal(t, DefaultGRPCAddr, cfg.API.GRPCAddr)
	assert.Equal(t, DefaultNATSName, cfg.NATS.Name)
	assert.NotNil(t, cfg.Governance)
	assert.False(t, cfg.Keeper.Enabled)
}

func TestValidateJoinsProblems(t *testing.T) {
	cfg := Default()
	cfg.Node.DBEngine = "leveldb"
	cfg.Keeper.Enabled = true
	cfg.Prices = map[string]string{"bnb": "1", "0x0000000000000000000000000000000000000099": "1"}
	cfg.Governance.Klp.CooldownDuration = 72 * time.Hour

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "node.db_engine")
	assert.Contains(t, msg, "addresses.gov is required")
	assert.Contains(t, msg, "keeper.address is required")
	assert.Contains(t, msg, `"bnb" is not an address`)
	assert.Contains(t, msg, "is not a configured token")
	assert.Contains(t, msg, "KlpManager: invalid _cooldownDuration")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")

	_, err = Load(writeTempFile(t, "node: [unclosed"))
	assert.ErrorContains(t, err, "parse config yaml")
}
