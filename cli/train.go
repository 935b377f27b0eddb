package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"houseprice/ml"
)

func trainCmd(flags *globalFlags) *cobra.Command {
	var snapshot string
	var noSave bool

	c := &cobra.Command{
		Use:   "train",
		Short: "Train the model offline and save topology and weights files",
		Long: "Train runs the full 50-epoch schedule against the configured dataset.\n" +
			"Ctrl-C requests a stop at the next epoch boundary; the partial model is still saved.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if snapshot != "" && cfg.Database.Path == "" {
				return fmt.Errorf("--snapshot needs database.path to be set")
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()
			runner := a.startRunner()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)
			go func() {
				for range quit {
					if runner.Stop() {
						a.logger.Info("stop requested, finishing current epoch")
					}
				}
			}()

			result, err := runner.Train(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %s after %d epochs", result.Run.ID, result.State, len(result.History))
			if last, ok := result.History.Last(); ok {
				fmt.Fprintf(out, ", loss %.6f", last.Loss)
			}
			fmt.Fprintln(out)

			if result.State == ml.StateFailed || noSave {
				return nil
			}

			topologyPath, weightsPath, err := runner.SaveModelFiles(cfg.Model.Dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "model saved to %s and %s\n", topologyPath, weightsPath)

			if snapshot != "" {
				artifact, err := runner.SaveModel()
				if err != nil {
					return err
				}
				if err := a.store.SaveModel(snapshot, artifact); err != nil {
					return err
				}
				a.logger.Info("model snapshot saved", zap.String("name", snapshot))
				fmt.Fprintf(out, "snapshot %q stored in %s\n", snapshot, cfg.Database.Path)
			}
			return nil
		},
	}

	c.Flags().StringVar(&snapshot, "snapshot", "", "also store the trained model in the database under this name")
	c.Flags().BoolVar(&noSave, "no-save", false, "do not write model files")
	return c
}
