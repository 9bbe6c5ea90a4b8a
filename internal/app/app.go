// Package app 把配置、数据文件、地理位置缓存和优选流程串成一次完整的运行，
// 命令行模式和 Web 模式共用同一套逻辑。
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"IP_Quality_Selector_Go/internal/config"
	"IP_Quality_Selector_Go/internal/datasource"
	"IP_Quality_Selector_Go/internal/engine"
	"IP_Quality_Selector_Go/internal/locations"
	"IP_Quality_Selector_Go/internal/metrics"
	"IP_Quality_Selector_Go/internal/output"

	"go.uber.org/zap"
)

// newPipeline 在测试中可以替换
var newPipeline = engine.New

// Params 是一次运行所需的文件路径和依赖
type Params struct {
	Config        *config.Config
	LocationsPath string
	DomainsPath   string
	BaseDir       string // 相对路径（缓存文件、输出目录）以此为基准
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Result 是一次运行的结果
type Result struct {
	Report *engine.Report
	Files  []string
}

func (p Params) path(name string) string {
	if filepath.IsAbs(name) || p.BaseDir == "" {
		return name
	}
	return filepath.Join(p.BaseDir, name)
}

// Run 加载数据、执行优选流程并写出结果文件。
// 缓存文件在开始时加载、结束时写回；缓存损坏不会中止运行。
// 流程因系统性错误或 ctx 取消而提前结束时不会生成结果文件。
func Run(ctx context.Context, params Params, progressCb engine.ProgressCallback) (*Result, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := params.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	countries, err := locations.LoadLocationsFromFile(params.LocationsPath)
	if err != nil {
		return nil, fmt.Errorf("加载 locations.json 失败: %w", err)
	}

	domains, err := datasource.LoadDomainsFromFile(params.DomainsPath)
	if err != nil {
		return nil, fmt.Errorf("加载域名列表失败: %w", err)
	}

	cachePath := params.path(cfg.Geo.CacheFile)
	cache := engine.NewCache(cfg)
	if err := cache.Load(cachePath); err != nil {
		logger.Warn("geo cache unusable, starting empty", zap.String("path", cachePath), zap.Error(err))
	} else {
		logger.Info("geo cache loaded", zap.String("path", cachePath), zap.Int("entries", cache.Len()))
	}
	defer func() {
		if err := cache.Save(cachePath); err != nil {
			logger.Error("save geo cache", zap.String("path", cachePath), zap.Error(err))
			return
		}
		logger.Info("geo cache saved", zap.String("path", cachePath), zap.Int("entries", cache.Len()))
	}()

	pipeline := newPipeline(cfg, countries, cache, logger, params.Metrics)
	report, err := pipeline.Run(ctx, domains, progressCb)
	if err != nil {
		return &Result{Report: report}, err
	}

	files, err := output.WriteReport(params.path(cfg.OutputDir), report)
	if err != nil {
		return &Result{Report: report}, fmt.Errorf("写入结果文件失败: %w", err)
	}
	return &Result{Report: report, Files: files}, nil
}
