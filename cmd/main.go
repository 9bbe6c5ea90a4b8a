package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"IP_Quality_Selector_Go/internal/app"
	"IP_Quality_Selector_Go/internal/config"
	"IP_Quality_Selector_Go/internal/datasource"
	"IP_Quality_Selector_Go/internal/engine"
	"IP_Quality_Selector_Go/internal/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

//go:embed default_config.yaml
var defaultConfigData []byte

//go:embed locations.json
var defaultLocationsData []byte

//go:embed domains.txt
var defaultDomainsData []byte

// ensureFile 检查文件是否存在于 dir，如果不存在，则使用提供的默认数据创建它。
func ensureFile(logger *zap.Logger, dir, fileName string, defaultData []byte) (string, error) {
	filePath := filepath.Join(dir, fileName)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		if err := os.WriteFile(filePath, defaultData, 0644); err != nil {
			return "", fmt.Errorf("无法写入默认文件 %s: %w", fileName, err)
		}
		logger.Info("首次运行，已生成默认文件", zap.String("dir", dir), zap.String("file", fileName))
	} else if err != nil {
		return "", fmt.Errorf("检查文件 %s 时出错: %w", fileName, err)
	}
	return filePath, nil
}

type paths struct {
	cfg       string
	locations string
	domains   string
	dir       string
}

// preparePaths 确保所有必需的文件都存在。dir 为空时使用可执行文件所在目录。
func preparePaths(logger *zap.Logger, dir string) (*paths, error) {
	if dir == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("无法获取可执行文件路径: %w", err)
		}
		dir = filepath.Dir(exePath)
	}

	cfgPath, err := ensureFile(logger, dir, "config.yaml", defaultConfigData)
	if err != nil {
		return nil, fmt.Errorf("初始化配置文件失败: %w", err)
	}
	locationsPath, err := ensureFile(logger, dir, "locations.json", defaultLocationsData)
	if err != nil {
		return nil, fmt.Errorf("初始化 locations.json 失败: %w", err)
	}
	domainsPath, err := ensureFile(logger, dir, "domains.txt", defaultDomainsData)
	if err != nil {
		return nil, fmt.Errorf("初始化 domains.txt 失败: %w", err)
	}
	return &paths{cfg: cfgPath, locations: locationsPath, domains: domainsPath, dir: dir}, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.DisableStacktrace = !verbose
	return cfg.Build()
}

type options struct {
	workDir   string
	verbose   bool
	cli       bool
	port      int
	noBrowser bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "ipselector",
		Short:         "通过多个 DNS 服务器解析域名，测试并优选 IP 地址",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cli {
				return runCli(cmd.Context(), opts)
			}
			return runServer(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.workDir, "dir", "", "配置和数据文件所在目录（默认: 可执行文件目录）")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "输出调试日志")
	root.Flags().BoolVar(&opts.cli, "cli", false, "以命令行模式运行")
	root.Flags().IntVar(&opts.port, "port", 8080, "Web 服务端口")
	root.Flags().BoolVar(&opts.noBrowser, "no-browser", false, "不自动打开浏览器")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "以命令行模式运行一次完整的优选",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCli(cmd.Context(), opts)
		},
	})

	serve := &cobra.Command{
		Use:   "serve",
		Short: "启动 Web 服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts)
		},
	}
	serve.Flags().IntVar(&opts.port, "port", 8080, "Web 服务端口")
	serve.Flags().BoolVar(&opts.noBrowser, "no-browser", false, "不自动打开浏览器")
	root.AddCommand(serve)

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, opts *options) error {
	logger, err := newLogger(opts.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	p, err := preparePaths(logger, opts.workDir)
	if err != nil {
		return err
	}

	srv := server.New(p.cfg, p.locations, p.domains, p.dir, server.WithLogger(logger))
	return srv.Start(ctx, opts.port, !opts.noBrowser)
}

// runCli 以命令行模式执行一次完整的优选
func runCli(ctx context.Context, opts *options) (err error) {
	logger, err := newLogger(opts.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("运行过程中发生未处理的异常", zap.Any("panic", r), zap.Stack("stack"))
			_ = logger.Sync()
			panic(r)
		}
	}()

	logger.Info("--- 以命令行模式运行 ---")

	p, err := preparePaths(logger, opts.workDir)
	if err != nil {
		return err
	}

	// 1. 加载配置
	cfg, err := config.LoadConfig(p.cfg)
	if err != nil {
		return fmt.Errorf("加载配置文件失败: %w", err)
	}
	logger.Info("配置加载成功",
		zap.Int("authorities", len(cfg.Authorities)),
		zap.Strings("ports", cfg.Ports),
		zap.Float64("top_percent", cfg.TopPercent))

	// 定义日志回调函数
	progressCallback := func(message string) {
		logger.Info(message)
	}

	// 2. 运行优选流程并写入结果
	res, err := app.Run(ctx, app.Params{
		Config:        cfg,
		LocationsPath: p.locations,
		DomainsPath:   p.domains,
		BaseDir:       p.dir,
		Logger:        logger,
	}, progressCallback)
	if err != nil {
		if isEmptyRun(err) {
			logger.Warn("没有可用的结果，本次不生成输出文件", zap.Error(err))
			return nil
		}
		if errors.Is(err, context.Canceled) {
			logger.Warn("运行被中断，本次不生成输出文件")
		}
		return err
	}

	for _, f := range res.Files {
		logger.Info("结果已写入", zap.String("file", f))
	}
	logger.Info("--- 所有任务已完成 ---", zap.Int("candidates", len(res.Report.Ranked)))
	return nil
}

// isEmptyRun 判断错误是否只是表示没有候选地址
func isEmptyRun(err error) bool {
	return errors.Is(err, datasource.ErrNoDomains) ||
		errors.Is(err, engine.ErrNoDomains) ||
		errors.Is(err, engine.ErrNoAddresses) ||
		errors.Is(err, engine.ErrNoReachable) ||
		errors.Is(err, engine.ErrNoCandidates)
}
