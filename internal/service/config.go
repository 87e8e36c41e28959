package service

import (
	"github.com/spf13/viper"

	"github.com/CZERTAINLY/ppsrunner/internal/model"
)

// envBindings maps configuration keys onto the environment variables the
// PPS installation traditionally exports.
var envBindings = map[string]string{
	"script":         "PPS_SCRIPT",
	"mode":           "SMHI_MODE",
	"output_dir":     "SM_PRODUCT_DIR",
	"statistics_dir": "STATISTICS_DIR",
	"lvl1_npp_path":  "LVL1_NPP_PATH",
	"lvl1_eos_path":  "LVL1_EOS_PATH",
	"transport.url":  "NATS_URL",
}

// ApplyEnv overrides cfg with the environment variables that are set.
func ApplyEnv(cfg model.Config) (model.Config, error) {
	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return cfg, err
		}
	}

	set := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	set("script", &cfg.Script)
	set("mode", &cfg.Mode)
	set("output_dir", &cfg.OutputDir)
	set("statistics_dir", &cfg.StatisticsDir)
	set("lvl1_npp_path", &cfg.Lvl1NPPPath)
	set("lvl1_eos_path", &cfg.Lvl1EOSPath)
	set("transport.url", &cfg.Transport.URL)
	return cfg, nil
}
