/*
Copyright © 2021 Edmond Cotterell

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	devConfig "github.com/tidewatch/smartsos/dev/config"
	"github.com/tidewatch/smartsos/server"
	"github.com/tidewatch/smartsos/utils"
)

var serverConfigFile string

func init() {
	rootCmd.AddCommand(createServerCmd())
}

func createServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start a smartsos server",
		Long: `The smartsos server accepts SOS triggers, alerts nearby peers and escalates
to the authorities when an alert is not canceled in time`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := serverConfig(isDevEnv, serverConfigFile)
			if err != nil {
				return err
			}

			server.Start(config, isDevEnv)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverConfigFile, "sconfig", "", "config file for the server (default is dev/config/server.yml in dev mode)")

	return cmd
}

// serverConfig reads the server config file and ENV variables into a single
// '*viper.Viper' config object. In dev mode a missing config file is created
// from the bundled defaults and a .env file, if any, is loaded first.
func serverConfig(devMode bool, configFile string) (*viper.Viper, error) {
	config := viper.New()

	if devMode {
		// .env is optional
		_ = godotenv.Load()

		if configFile == "" {
			var err error
			configFile, err = devConfigFilePath()
			if err != nil {
				return nil, err
			}
		}
	}

	if configFile == "" {
		return nil, fmt.Errorf("--sconfig is required when not in dev mode")
	}

	config.SetConfigFile(configFile)
	config.SetEnvPrefix("SMARTSOS")
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv() // read in environment variables that match

	// Secrets are read from the environment so they don't need to live in the config file.
	config.BindEnv("twilio.authToken", "TWILIO_AUTH_TOKEN")
	config.BindEnv("sqlite.passPhrase", "SQLITE_PASS_PHRASE")

	if err := config.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading server config file: %v", err)
	}

	return config, nil
}

func devConfigFilePath() (string, error) {
	rootDir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(rootDir, "dev", "config")
	if err := utils.CreateDirIfNotExist(configDir); err != nil {
		return "", err
	}

	configFilePath := filepath.Join(configDir, "server.yml")
	if !utils.FileExist(configFilePath) {
		err = os.WriteFile(configFilePath, []byte(devConfig.SERVER_YML), 0600)
		if err != nil {
			return "", err
		}
	}

	return configFilePath, nil
}
