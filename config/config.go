// Package config loads the settlement node configuration. Policy knobs
// come from a viper-managed yaml file; the bridgeable asset list lives in
// its own yaml file so operators can manage it separately.
package config

import (
	"io/ioutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/celer-network/go-settlement/bridge"
	"github.com/celer-network/go-settlement/guard"
	"github.com/celer-network/go-settlement/types"
)

// Config is the node configuration assembled from the viper config file.
type Config struct {
	DBDir string

	FinalizationChallengePeriod uint64

	Bridge    bridge.Config
	FeeBps    uint64
	Signers   []common.Address
	RateLimit guard.Config
}

// Load reads the config file at path into viper and assembles a Config.
func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	signerStrs := viper.GetStringSlice("bridge.signers")
	signers := make([]common.Address, len(signerStrs))
	for i, s := range signerStrs {
		signers[i] = common.HexToAddress(s)
	}

	return &Config{
		DBDir:                       viper.GetString("db_dir"),
		FinalizationChallengePeriod: uint64(viper.GetInt64("finalization.challenge_period")),
		Bridge: bridge.Config{
			MinSignatures:   viper.GetInt("bridge.min_signatures"),
			WithdrawalDelay: uint64(viper.GetInt64("bridge.withdrawal_delay")),
			ChallengePeriod: uint64(viper.GetInt64("bridge.challenge_period")),
		},
		FeeBps:  uint64(viper.GetInt64("bridge.instant_fee_bps")),
		Signers: signers,
		RateLimit: guard.Config{
			WindowSeconds: uint64(viper.GetInt64("rate_limit.window_seconds")),
			MaxCount:      uint32(viper.GetInt32("rate_limit.max_count")),
			MaxValue:      uint64(viper.GetInt64("rate_limit.max_value")),
		},
	}, nil
}

// AssetInfo is one entry of the asset list file.
type AssetInfo struct {
	ID        uint64         `yaml:"id"`
	Name      string         `yaml:"name"`
	Symbol    string         `yaml:"symbol"`
	Decimals  uint8          `yaml:"decimals"`
	L1Address common.Address `yaml:"l1Address"`
	L2Address common.Address `yaml:"l2Address"`
}

// LoadAssets reads the yaml asset list at path.
func LoadAssets(path string) ([]types.Asset, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var infos []AssetInfo
	if err := yaml.Unmarshal(data, &infos); err != nil {
		return nil, err
	}
	assets := make([]types.Asset, len(infos))
	for i, info := range infos {
		assets[i] = types.Asset{
			ID:        info.ID,
			Name:      info.Name,
			Symbol:    info.Symbol,
			Decimals:  info.Decimals,
			L1Address: info.L1Address,
			L2Address: info.L2Address,
		}
	}
	return assets, nil
}

// SaveAssets writes the yaml asset list to path.
func SaveAssets(path string, assets []types.Asset) error {
	infos := make([]AssetInfo, len(assets))
	for i, asset := range assets {
		infos[i] = AssetInfo{
			ID:        asset.ID,
			Name:      asset.Name,
			Symbol:    asset.Symbol,
			Decimals:  asset.Decimals,
			L1Address: asset.L1Address,
			L2Address: asset.L2Address,
		}
	}
	data, err := yaml.Marshal(infos)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}
