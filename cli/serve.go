package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	qhttp "houseprice/http"
	"houseprice/monitoring"
)

const heartbeatInterval = 15 * time.Second

func serveCmd(flags *globalFlags) *cobra.Command {
	var port int

	c := &cobra.Command{
		Use:   "serve",
		Short: "Serve the training, prediction and model API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags.overrides.Port = port
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			monitor := monitoring.NewTrainingMonitor(a.logger)
			metrics := monitoring.NewTrainingMetrics(nil)
			runner := a.startRunner(monitor, metrics)

			if err := monitor.Start(); err != nil {
				return err
			}
			defer monitor.Stop()

			server := qhttp.NewServer(qhttp.ServerConfig{
				Port:           cfg.HTTP.Port,
				Timeout:        cfg.HTTP.Timeout,
				AllowedOrigins: cfg.HTTP.AllowedOrigins,
				MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
			}, qhttp.Deps{
				Runner:  runner,
				Store:   a.store,
				Monitor: monitor,
				Metrics: metrics.Collector(),
				Logger:  a.logger,
			})

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			ticker := time.NewTicker(heartbeatInterval)
			defer ticker.Stop()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			for {
				select {
				case <-ticker.C:
					if err := monitor.SendHeartbeat(); err != nil {
						a.logger.Debug("heartbeat failed", zap.Error(err))
					}
				case err := <-errCh:
					return err
				case sig := <-quit:
					a.logger.Info("shutting down", zap.String("signal", sig.String()))
					runner.Stop()
					return server.Stop()
				}
			}
		},
	}

	c.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides http.port)")
	return c
}
