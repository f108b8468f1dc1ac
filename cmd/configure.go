package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/asaskevich/govalidator"
	"github.com/spf13/cobra"

	"github.com/strongroom/strongroom/config"
)

var configureArgs struct {
	Host        string
	Port        int
	StorageRoot string
	Token       string
	Override    bool
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Interactively writes a configuration file for this instance",

	Run: configureCmdRun,
}

func init() {
	configureCmd.PersistentFlags().StringVar(&configureArgs.Host, "host", "", "the interface the API server should bind to")
	configureCmd.PersistentFlags().IntVar(&configureArgs.Port, "port", 0, "the port the API server should bind to")
	configureCmd.PersistentFlags().StringVar(&configureArgs.StorageRoot, "storage-root", "", "the directory guarded files are kept in")
	configureCmd.PersistentFlags().StringVar(&configureArgs.Token, "token", "", "the bearer token API clients must present, generated when omitted")
	configureCmd.PersistentFlags().BoolVar(&configureArgs.Override, "override", false, "override an existing configuration file")
}

func configureCmdRun(cmd *cobra.Command, args []string) {
	if _, err := os.Stat(configPath); err == nil && !configureArgs.Override {
		survey.AskOne(&survey.Confirm{Message: "Override existing configuration file"}, &configureArgs.Override)
		if !configureArgs.Override {
			fmt.Println("Aborted.")
			os.Exit(1)
		}
	}

	questions := []*survey.Question{}
	if configureArgs.Host == "" {
		questions = append(questions, &survey.Question{
			Name:   "Host",
			Prompt: &survey.Input{Message: "API bind address: ", Default: "0.0.0.0"},
			Validate: func(ans interface{}) error {
				if str, ok := ans.(string); ok {
					if !govalidator.IsHost(str) {
						return fmt.Errorf("%q is not a valid hostname or IP address", str)
					}
				}
				return nil
			},
		})
	}
	if configureArgs.Port == 0 {
		questions = append(questions, &survey.Question{
			Name:   "Port",
			Prompt: &survey.Input{Message: "API bind port: ", Default: "8080"},
			Validate: func(ans interface{}) error {
				if str, ok := ans.(string); ok {
					if !govalidator.IsPort(str) {
						return fmt.Errorf("%q is not a valid port number", str)
					}
				}
				return nil
			},
		})
	}
	if configureArgs.StorageRoot == "" {
		questions = append(questions, &survey.Question{
			Name:   "StorageRoot",
			Prompt: &survey.Input{Message: "Storage root directory: ", Default: "/var/lib/strongroom/vault"},
			Validate: func(ans interface{}) error {
				if str, ok := ans.(string); ok {
					if !filepath.IsAbs(str) {
						return fmt.Errorf("the storage root must be an absolute path")
					}
				}
				return nil
			},
		})
	}

	err := survey.Ask(questions, &configureArgs)
	if err == terminal.InterruptErr {
		return
	}
	if err != nil {
		panic(err)
	}

	cfg, err := config.NewAtPath(configPath)
	if err != nil {
		panic(err)
	}

	cfg.Api.Host = configureArgs.Host
	cfg.Api.Port = configureArgs.Port
	cfg.Storage.RootDirectory = configureArgs.StorageRoot

	// Without a token nothing can talk to the API, so one is always set. A
	// generated value is printed exactly once, it is not logged anywhere.
	if configureArgs.Token == "" {
		cfg.AuthenticationToken = generateToken()
		fmt.Println("Generated API token:", cfg.AuthenticationToken)
	} else {
		cfg.AuthenticationToken = configureArgs.Token
	}

	if err := cfg.Validate(); err != nil {
		fmt.Println("The provided values do not form a usable configuration.\n", err.Error())
		os.Exit(1)
	}
	if err := cfg.WriteToDisk(); err != nil {
		panic(err)
	}

	fmt.Println("Successfully configured strongroom, wrote " + cfg.Path())
	fmt.Println("API will listen on " + cfg.Api.Host + ":" + strconv.Itoa(cfg.Api.Port))
}

// The bearer token gates every API mutation, so it comes from the system
// CSPRNG rather than the seeded generator used for scratch names.
func generateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
