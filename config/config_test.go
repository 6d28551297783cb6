package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celer-network/go-settlement/types"
)

const testConfigYaml = `
db_dir: /var/lib/settlementd
finalization:
  challenge_period: 604800
bridge:
  min_signatures: 2
  withdrawal_delay: 3600
  challenge_period: 86400
  instant_fee_bps: 30
  signers:
    - "0x6813eb9362372eef6200f3b1dbc3f819671cba69"
    - "0x1eff47bc3a10a45d4b230b5d10e37751fe6aa718"
rate_limit:
  window_seconds: 3600
  max_count: 100
  max_value: 1000000000
`

func TestLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "settlement_config_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(testConfigYaml), 0644))

	conf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/settlementd", conf.DBDir)
	assert.Equal(t, uint64(604800), conf.FinalizationChallengePeriod)
	assert.Equal(t, 2, conf.Bridge.MinSignatures)
	assert.Equal(t, uint64(3600), conf.Bridge.WithdrawalDelay)
	assert.Equal(t, uint64(86400), conf.Bridge.ChallengePeriod)
	assert.Equal(t, uint64(30), conf.FeeBps)
	require.Len(t, conf.Signers, 2)
	assert.Equal(t, common.HexToAddress("0x6813eb9362372eef6200f3b1dbc3f819671cba69"), conf.Signers[0])
	assert.Equal(t, uint64(3600), conf.RateLimit.WindowSeconds)
	assert.Equal(t, uint32(100), conf.RateLimit.MaxCount)
	assert.Equal(t, uint64(1000000000), conf.RateLimit.MaxValue)
}

func TestAssetsRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "settlement_assets_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	assets := []types.Asset{
		{
			ID:        1,
			Name:      "Test Token",
			Symbol:    "TST",
			Decimals:  18,
			L1Address: common.HexToAddress("0x6813eb9362372eef6200f3b1dbc3f819671cba69"),
			L2Address: common.HexToAddress("0x1eff47bc3a10a45d4b230b5d10e37751fe6aa718"),
		},
		{ID: 2, Name: "Wrapped Ether", Symbol: "WETH", Decimals: 18},
	}

	path := filepath.Join(dir, "assets.yaml")
	require.NoError(t, SaveAssets(path, assets))

	loaded, err := LoadAssets(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, assets[0].ID, loaded[0].ID)
	assert.Equal(t, assets[0].Symbol, loaded[0].Symbol)
	assert.Equal(t, assets[0].L1Address, loaded[0].L1Address)
	assert.Equal(t, assets[0].L2Address, loaded[0].L2Address)
	assert.Equal(t, assets[1].Name, loaded[1].Name)
}
