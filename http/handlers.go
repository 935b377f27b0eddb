package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"houseprice/db"
	"houseprice/ml"
	"houseprice/monitoring"
	"houseprice/pipeline"
)

// Deps API依赖。Store、Monitor 和 Metrics 可以为空。
type Deps struct {
	Runner  *pipeline.Runner
	Store   *db.Store
	Monitor *monitoring.TrainingMonitor
	Metrics *monitoring.MetricsCollector
	Logger  *zap.Logger
}

// API 训练与预测接口
type API struct {
	runner    *pipeline.Runner
	store     *db.Store
	monitor   *monitoring.TrainingMonitor
	metrics   *monitoring.MetricsCollector
	logger    *zap.Logger
	maxUpload int64
}

// NewAPI 创建API处理器
func NewAPI(deps Deps, maxUpload int64) *API {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &API{
		runner:    deps.Runner,
		store:     deps.Store,
		monitor:   deps.Monitor,
		metrics:   deps.Metrics,
		logger:    logger,
		maxUpload: maxUpload,
	}
}

// Register 注册所有路由
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/data", a.handleData)
	mux.HandleFunc("GET /api/metrics", a.handleMetrics)

	// 训练
	mux.HandleFunc("POST /api/training", a.handleStartTraining)
	mux.HandleFunc("POST /api/training/stop", a.handleStopTraining)
	mux.HandleFunc("GET /api/training", a.handleTrainingStatus)
	mux.HandleFunc("GET /api/ws/training", a.handleTrainingStream)

	// 预测
	mux.HandleFunc("GET /api/predictions/curve", a.handleCurve)

	// 模型文件
	mux.HandleFunc("GET /api/model/topology", a.handleModelTopology)
	mux.HandleFunc("GET /api/model/weights", a.handleModelWeights)
	mux.HandleFunc("POST /api/model/upload", a.handleModelUpload)

	// 模型快照与训练记录
	mux.HandleFunc("GET /api/models", a.handleListModels)
	mux.HandleFunc("POST /api/models/{name}", a.handleSaveSnapshot)
	mux.HandleFunc("POST /api/models/{name}/load", a.handleLoadSnapshot)
	mux.HandleFunc("GET /api/runs", a.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}/history", a.handleRunHistory)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  a.runner.Session().State().String(),
	})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if a.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics disabled")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, a.metrics.ExportPrometheus())
}

func (a *API) handleData(w http.ResponseWriter, r *http.Request) {
	plot, err := a.runner.DataPlot(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.publishPlot(plot)
	respondJSON(w, http.StatusOK, plot)
}

func (a *API) handleStartTraining(w http.ResponseWriter, r *http.Request) {
	run, err := a.runner.StartTraining(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

func (a *API) handleStopTraining(w http.ResponseWriter, r *http.Request) {
	if !a.runner.Stop() {
		writeError(w, http.StatusConflict, "no training in progress")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"stopping": true})
}

func (a *API) handleTrainingStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.runner.Status())
}

func (a *API) handleTrainingStream(w http.ResponseWriter, r *http.Request) {
	if a.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "training monitor disabled")
		return
	}
	a.monitor.Hub().HandleWebSocket(w, r)
}

func (a *API) handleCurve(w http.ResponseWriter, r *http.Request) {
	plot, err := a.runner.CurvePlot(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.publishPlot(plot)
	respondJSON(w, http.StatusOK, plot)
}

func (a *API) handleModelTopology(w http.ResponseWriter, r *http.Request) {
	artifact, err := a.runner.SaveModel()
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.json"`, a.runner.ModelName()))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(artifact.Topology)
}

func (a *API) handleModelWeights(w http.ResponseWriter, r *http.Request) {
	artifact, err := a.runner.SaveModel()
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.weights.bin"`, a.runner.ModelName()))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Weights)))
	w.WriteHeader(http.StatusOK)
	w.Write(artifact.Weights)
}

// handleModelUpload 接收 multipart 表单中的 model(拓扑) 和 weights(权重) 两个文件
func (a *API) handleModelUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(a.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	topology, err := readFormFile(r, "model")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	weights, err := readFormFile(r, "weights")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.runner.LoadModel(ml.Artifact{Topology: topology, Weights: weights}); err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"loaded":  true,
		"weights": len(weights),
	})
}

func (a *API) handleListModels(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	models, err := a.store.ListModels()
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models)
}

func (a *API) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	name := r.PathValue("name")
	artifact, err := a.runner.SaveModel()
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.store.SaveModel(name, artifact); err != nil {
		a.respondError(w, r, err)
		return
	}
	a.logger.Info("model snapshot saved", zap.String("name", name), zap.Int("bytes", len(artifact.Weights)))
	respondJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (a *API) handleLoadSnapshot(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	name := r.PathValue("name")
	artifact, err := a.store.LoadModel(name)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.runner.LoadModel(artifact); err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	runs, err := a.store.ListRuns(limit)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (a *API) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	history, err := a.store.RunHistory(r.PathValue("id"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (a *API) requireStore(w http.ResponseWriter) bool {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "model store disabled")
		return false
	}
	return true
}

// publishPlot 同时推送到websocket客户端
func (a *API) publishPlot(plot pipeline.ScatterPlot) {
	if a.monitor == nil {
		return
	}
	if err := a.monitor.SendPlot(plot); err != nil {
		a.logger.Debug("plot not published", zap.Error(err))
	}
}

func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

// errorStatus 根据错误类型选择状态码
func errorStatus(err error) int {
	switch {
	case errors.Is(err, db.ErrModelNotFound):
		return http.StatusNotFound
	case ml.IsKind(err, ml.KindData), ml.IsKind(err, ml.KindNormalization):
		return http.StatusUnprocessableEntity
	case ml.IsKind(err, ml.KindState):
		return http.StatusConflict
	case ml.IsKind(err, ml.KindPersistence):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func readFormFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("missing form file %q", field)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read form file %q: %w", field, err)
	}
	return data, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode JSON", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
