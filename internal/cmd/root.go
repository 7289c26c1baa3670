package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Iron-Ham/autoloop/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "autoloop",
	Short: "Autonomous task-loop supervisor with a guarded promotion pipeline",
	Long: `Autoloop repeatedly runs an external task executor, classifies each run,
backs off on failure and hands completed tasks to a promotion pipeline that
merges the work into a shared target branch through an isolated worktree.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCodeError carries a process exit status out of a command.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("exit status %d", e.code)
}

// exitWith returns nil for status 0 so cobra treats it as success.
func exitWith(code int, msg string) error {
	if code == 0 {
		return nil
	}
	return &exitCodeError{code: code, msg: msg}
}

// Execute runs the root command. Errors that do not carry an exit status are
// printed to stderr.
func Execute() error {
	err := rootCmd.Execute()
	if err == nil {
		return nil
	}
	var ec *exitCodeError
	if !errors.As(err, &ec) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// ExitCode maps an Execute error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return 1
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./.autoloop.yaml or $HOME/.config/autoloop/config.yaml)")
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if _, err := os.Stat(config.LocalConfigFile); err == nil {
		viper.SetConfigFile(config.LocalConfigFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/autoloop")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AUTOLOOP")
	// e.g., AUTOLOOP_PROMOTION_TARGET_BRANCH for promotion.target_branch
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
