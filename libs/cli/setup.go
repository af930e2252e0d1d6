// Package cli binds command-line flags, environment variables and the config
// file into viper for the node's commands.
package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// HomeFlag names the flag holding the node's root directory.
const HomeFlag = "home"

// InitEnv makes viper read PREFIX_KEY environment variables. Variables
// written without the separator, like CBHOME, are accepted as aliases.
func InitEnv(prefix string) {
	prefix = strings.ToUpper(prefix)
	aliasUnseparatedEnv(prefix)

	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// aliasUnseparatedEnv copies PREFIXKEY to PREFIX_KEY.
func aliasUnseparatedEnv(prefix string) {
	separated := prefix + "_"
	for _, kv := range os.Environ() {
		key, value, ok := cutEnv(kv)
		if !ok || !strings.HasPrefix(key, prefix) || strings.HasPrefix(key, separated) {
			continue
		}
		_ = os.Setenv(separated+strings.TrimPrefix(key, prefix), value)
	}
}

func cutEnv(kv string) (key, value string, ok bool) {
	i := strings.IndexByte(kv, '=')
	if i < 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// BindFlagsLoadViper binds cmd's flags, including inherited persistent ones,
// and reads config.toml from the home directory or its config subdirectory.
// A missing config file is not an error.
func BindFlagsLoadViper(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	home := viper.GetString(HomeFlag)
	viper.Set(HomeFlag, home)
	viper.SetConfigName("config")
	viper.AddConfigPath(home)
	viper.AddConfigPath(filepath.Join(home, "config"))

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return err
	}
	return nil
}
