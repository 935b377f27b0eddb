package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"houseprice/ml"
)

func curveCmd(flags *globalFlags) *cobra.Command {
	var topologyPath string
	var weightsPath string
	var snapshot string
	var format string

	c := &cobra.Command{
		Use:   "curve",
		Short: "Print the 100-point prediction curve of a saved model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("unknown format %q (want table|json)", format)
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()
			runner := a.startRunner()

			var artifact ml.Artifact
			switch {
			case snapshot != "":
				if a.store == nil {
					return fmt.Errorf("--snapshot needs database.path to be set")
				}
				if artifact, err = a.store.LoadModel(snapshot); err != nil {
					return err
				}
			default:
				if topologyPath == "" {
					topologyPath = filepath.Join(cfg.Model.Dir, cfg.Model.Name+".json")
				}
				if weightsPath == "" {
					weightsPath = filepath.Join(cfg.Model.Dir, cfg.Model.Name+".weights.bin")
				}
				if artifact.Topology, err = os.ReadFile(topologyPath); err != nil {
					return err
				}
				if artifact.Weights, err = os.ReadFile(weightsPath); err != nil {
					return err
				}
			}

			if err := runner.LoadModel(artifact); err != nil {
				return err
			}
			points, err := runner.Curve(cmd.Context())
			if err != nil {
				return err
			}
			return printCurve(cmd.OutOrStdout(), points, format)
		},
	}

	c.Flags().StringVar(&topologyPath, "model", "", "topology file (default <model.dir>/<model.name>.json)")
	c.Flags().StringVar(&weightsPath, "weights", "", "weights file (default <model.dir>/<model.name>.weights.bin)")
	c.Flags().StringVar(&snapshot, "snapshot", "", "load the model from the database instead of files")
	c.Flags().StringVar(&format, "format", "table", "output format: table|json")
	return c
}

func printCurve(w io.Writer, points []ml.Point, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(points)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "rooms\tprice\t")
	for _, p := range points {
		fmt.Fprintf(tw, "%.4f\t%.4f\t\n", p.X, p.Y)
	}
	return tw.Flush()
}
