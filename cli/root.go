package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"houseprice/config"
)

// Execute 运行命令行入口
func Execute() {
	ExecuteArgs(os.Args[1:])
}

// ExecuteArgs 以指定参数运行命令行
func ExecuteArgs(args []string) {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags 所有子命令共享的参数
type globalFlags struct {
	configPath string
	overrides  config.Overrides
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:          "houseprice",
		Short:        "Train and serve a rooms-to-price regression model",
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to the YAML config file")
	pf.StringVar(&flags.overrides.Source, "source", "", "dataset URL or file (overrides dataset.source)")
	pf.StringVar(&flags.overrides.Encoding, "encoding", "", "dataset charset, e.g. windows-1252")
	pf.StringVar(&flags.overrides.Database, "db", "", "SQLite path (overrides database.path)")
	pf.StringVar(&flags.overrides.LogLevel, "log-level", "", "debug|info|warn|error")
	pf.StringVar(&flags.overrides.ModelDir, "model-dir", "", "directory for saved model files")
	pf.Int64Var(&flags.overrides.Seed, "seed", 0, "random seed for shuffling and weight init")

	cmd.AddCommand(
		serveCmd(flags),
		trainCmd(flags),
		curveCmd(flags),
	)
	return cmd
}

// loadConfig 读取配置文件。默认路径不存在时使用内置默认值。
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		explicit := cmd.Flags().Changed("config")
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}
	cfg.ApplyOverrides(flags.overrides)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
