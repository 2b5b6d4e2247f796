package pipecorral

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func loadConfig() {
	viper.SetConfigName("pipecorralrc")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.pipecorral")

	setupDefaults()

	err := viper.ReadInConfig()
	if err != nil {
		log.Debugf("Config Read %+v", err)
	}

	viper.SetEnvPrefix("pipecorral")
	viper.AutomaticEnv()
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"cleanup":         false,
		"durable":         false, //Should Intermeidiate data be flushed to the filesystem (in conflict with cleanup)
		"verbose":         false,
		"splitSize":       100 * 1024 * 1024, // Default input split size is 100Mb
		"mapBinSize":      512 * 1024 * 1024, // Default map bin size is 512Mb
		"reduceBinSize":   512 * 1024 * 1024, // Default reduce bin size is 512Mb
		"maxConcurrency":  16,                // Maximum number of concurrent tasks
		"workingLocation": ".",
		"logName":         "activations",

		"cache":     0,                        //coresponse to corcache.CacheSystemType (0 - NoCache, 1 - Local)
		"cacheSize": uint64(64 * 1024 * 1024), //corosponse to corcache.Local

		"s3Region": "us-east-1",
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose":         "v",
		"workingLocation": "o",
	}
	for key, alias := range aliases {
		viper.RegisterAlias(alias, key)
	}
}
