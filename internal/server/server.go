package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os/exec"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"IP_Quality_Selector_Go/internal/app"
	"IP_Quality_Selector_Go/internal/config"
	"IP_Quality_Selector_Go/internal/locations"
	"IP_Quality_Selector_Go/internal/metrics"
	"IP_Quality_Selector_Go/internal/output"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

//go:embed web
var embeddedFS embed.FS

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Runner 执行一次完整的优选任务
type Runner func(ctx context.Context, params app.Params, progressCb func(string)) (*app.Result, error)

// Server 是 Web 模式下的 HTTP 服务
type Server struct {
	cfgPath       string
	locationsPath string
	domainsPath   string
	exeDir        string

	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	runner   Runner

	running atomic.Bool
}

// Option 用于配置 Server
type Option func(*Server)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRunner replaces the task runner. Defaults to app.Run.
func WithRunner(r Runner) Option {
	return func(s *Server) {
		s.runner = r
	}
}

// New 创建 Server
func New(cfgPath, locationsPath, domainsPath, exeDir string, opts ...Option) *Server {
	s := &Server{
		cfgPath:       cfgPath,
		locationsPath: locationsPath,
		domainsPath:   domainsPath,
		exeDir:        exeDir,
		logger:        zap.NewNop(),
		registry:      prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = metrics.New(s.registry)
	if s.runner == nil {
		s.runner = func(ctx context.Context, params app.Params, progressCb func(string)) (*app.Result, error) {
			return app.Run(ctx, params, progressCb)
		}
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler
func (s *Server) Handler() (http.Handler, error) {
	// Create a sub-filesystem to remove the "web" prefix
	staticFS, err := fs.Sub(embeddedFS, "web")
	if err != nil {
		return nil, fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		f, err := staticFS.Open("index.html")
		if err != nil {
			http.Error(w, "index.html not found", http.StatusInternalServerError)
			return
		}
		defer f.Close()

		content, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, "failed to read index.html", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "index.html", time.Now(), bytes.NewReader(content))
	})

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/locations", s.handleLocations)
	mux.HandleFunc("/ws/run", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux, nil
}

// Start 启动 Web 服务器，阻塞直到 ctx 结束或监听失败
func (s *Server) Start(ctx context.Context, port int, openURL bool) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d", port)
	s.logger.Info("服务器正在启动", zap.String("addr", addr), zap.String("url", url))

	// 尝试在默认浏览器中打开 URL
	if openURL {
		go s.openBrowser(url)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("服务器启动失败: %w", err)
	}
	return nil
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := config.LoadConfig(s.cfgPath)
		if err != nil {
			http.Error(w, "Failed to load config", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cfg)
	case http.MethodPost:
		var newConfig map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := saveConfigWithComments(s.cfgPath, newConfig); err != nil {
			http.Error(w, fmt.Sprintf("Failed to save config: %v", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type locationInfo struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := locations.LoadLocationsFromFile(s.locationsPath)
	if err != nil {
		http.Error(w, "Failed to load locations", http.StatusInternalServerError)
		return
	}

	list := make([]locationInfo, 0, len(locs))
	for code, name := range locs {
		list = append(list, locationInfo{Code: code, Name: name})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Code < list[j].Code })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// WebSocketMessage 是推送给前端的消息
type WebSocketMessage struct {
	Type    string      `json:"type"` // "log", "result" 或 "error"
	Payload interface{} `json:"payload"`
}

// RunResult 是 "result" 消息的内容
type RunResult struct {
	Results []output.HumanReadableResult `json:"results"`
	Regions []string                     `json:"regions"`
	Files   []string                     `json:"files"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// 1. 等待前端发来的运行配置
	_, msg, err := conn.ReadMessage()
	if err != nil {
		s.logger.Warn("websocket read for config failed", zap.Error(err))
		return
	}

	if !s.running.CompareAndSwap(false, true) {
		_ = conn.WriteJSON(WebSocketMessage{Type: "error", Payload: "已有任务正在运行，请稍后再试"})
		return
	}
	defer s.running.Store(false)

	// 2. 先加载文件中的配置作为基础，再用前端发来的字段覆盖
	runConfig, err := config.LoadConfig(s.cfgPath)
	if err != nil {
		s.logger.Error("failed to load base config", zap.Error(err))
		_ = conn.WriteJSON(WebSocketMessage{Type: "error", Payload: fmt.Sprintf("加载配置失败: %v", err)})
		return
	}
	if len(bytes.TrimSpace(msg)) > 0 {
		if err := json.Unmarshal(msg, runConfig); err != nil {
			s.logger.Warn("invalid config from websocket", zap.Error(err))
			_ = conn.WriteJSON(WebSocketMessage{Type: "error", Payload: fmt.Sprintf("配置格式错误: %v", err)})
			return
		}
	}

	// 3. 客户端断开时取消任务
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.logger.Debug("client disconnected", zap.Error(err))
				return
			}
		}
	}()

	// 4. 所有写操作都经由 writeChan 在同一个 goroutine 中完成
	writeChan := make(chan WebSocketMessage, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		failed := false
		for m := range writeChan {
			if failed {
				continue
			}
			if err := conn.WriteJSON(m); err != nil {
				s.logger.Warn("websocket write error", zap.Error(err))
				failed = true
			}
		}
	}()

	send := func(m WebSocketMessage) {
		select {
		case <-ctx.Done():
		case writeChan <- m:
		}
	}
	progressCallback := func(message string) {
		s.logger.Info(message)
		send(WebSocketMessage{Type: "log", Payload: message})
	}

	params := app.Params{
		Config:        runConfig,
		LocationsPath: s.locationsPath,
		DomainsPath:   s.domainsPath,
		BaseDir:       s.exeDir,
		Logger:        s.logger,
		Metrics:       s.metrics,
	}
	res, err := s.runner(ctx, params, progressCallback)
	if err != nil {
		s.logger.Error("run failed", zap.Error(err))
		send(WebSocketMessage{Type: "error", Payload: fmt.Sprintf("运行出错: %v", err)})
	} else if res != nil && res.Report != nil {
		countries := output.CountryIndex(res.Report.FinalRegions)
		send(WebSocketMessage{Type: "result", Payload: RunResult{
			Results: output.ToHumanReadable(res.Report.Ranked, countries),
			Regions: output.RegionLines(res.Report.FinalRegions),
			Files:   res.Files,
		}})
		for _, f := range res.Files {
			progressCallback(fmt.Sprintf("结果已保存到 %s", f))
		}
	}

	progressCallback("--- 任务完成 ---")
	close(writeChan)
	<-writerDone
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// openBrowser tries to open the URL in a default browser.
func (s *Server) openBrowser(url string) {
	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform")
	}
	if err != nil {
		s.logger.Warn("无法自动打开浏览器，请手动打开", zap.String("url", url), zap.Error(err))
	}
}
