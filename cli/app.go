package cli

import (
	"go.uber.org/zap"

	"houseprice/config"
	"houseprice/dataset"
	"houseprice/db"
	"houseprice/logging"
	"houseprice/pipeline"
)

// app 持有一次命令运行所需的全部组件
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	cache   *dataset.Cache
	source  dataset.Source
	cleaner *pipeline.DataCleaner
	store   *db.Store
	runner  *pipeline.Runner
	closers []func()
}

// newApp 按配置组装日志、数据源、清洗器和存储。训练流水线由 startRunner 创建。
func newApp(cfg *config.Config) (*app, error) {
	logger, syncLogs, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, syncLogs)

	var opts []dataset.FetcherOption
	if cfg.Dataset.Encoding != "" {
		opts = append(opts, dataset.WithEncoding(cfg.Dataset.Encoding))
	}
	a.source = dataset.NewFetcher(cfg.Dataset.Source, opts...)

	if cfg.Dataset.CacheSize > 0 {
		a.cache, err = dataset.NewCache(cfg.Dataset.CacheSize, cfg.Dataset.Watch, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = a.cache.Close() })
		a.source = a.cache.Wrap(a.source)
	}

	a.cleaner, err = pipeline.NewDataCleaner(pipeline.FieldMapping{
		Feature: cfg.Dataset.Fields.Feature,
		Label:   cfg.Dataset.Fields.Label,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.Database.Path != "" {
		a.store, err = db.Open(cfg.Database.Path, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = a.store.Close() })
		logger.Info("database opened", zap.String("path", cfg.Database.Path))
	}
	return a, nil
}

// startRunner 创建训练流水线。存储先于 hooks 回调。
func (a *app) startRunner(hooks ...pipeline.RunHook) *pipeline.Runner {
	var runHooks []pipeline.RunHook
	if a.store != nil {
		runHooks = append(runHooks, a.store)
	}
	runHooks = append(runHooks, hooks...)

	cfg := a.cfg
	runnerOpts := []pipeline.RunnerOption{
		pipeline.WithLogger(a.logger),
		pipeline.WithHooks(runHooks...),
		pipeline.WithModelName(cfg.Model.Name),
	}
	if cfg.Model.Seed != 0 {
		runnerOpts = append(runnerOpts, pipeline.WithSeed(cfg.Model.Seed))
	}
	a.runner = pipeline.NewRunner(a.source, a.cleaner, runnerOpts...)
	a.closers = append(a.closers, a.runner.Close)
	return a.runner
}

// close 逆序释放资源
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
