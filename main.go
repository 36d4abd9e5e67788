package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/folio-edge/folio-cache/internal/cache"
	"github.com/folio-edge/folio-cache/internal/config"
	"github.com/folio-edge/folio-cache/internal/logging"
	"github.com/folio-edge/folio-cache/internal/platform"
	"github.com/folio-edge/folio-cache/internal/proxy"
	"github.com/folio-edge/folio-cache/internal/server"
	"github.com/folio-edge/folio-cache/internal/server/routes"
	"github.com/folio-edge/folio-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = len(cfg.Sites)
		fields["versions"] = config.SiteVersions(cfg.Sites)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：缓存存储 → Fleet（install/activate）→ SiteRegistry → Fiber server，
	// 保证第一条请求到达时每个站点要么已激活，要么明确处于透传状态。
	store, err := cache.Open(ctx, cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	httpClient := server.NewUpstreamClient(cfg)
	fleet, err := platform.NewFleet(cfg, store, proxy.Fetcher(httpClient), logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点控制器失败: %v\n", err)
		return 1
	}
	fleet.Start(ctx)
	defer fleet.Stop()

	registry, err := server.NewSiteRegistry(cfg, fleet)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Site 注册表失败: %v\n", err)
		return 1
	}

	forwarder := proxy.NewForwarder(proxy.NewHandler(httpClient, logger), logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["versions"] = config.SiteVersions(cfg.Sites)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	watchConfig(ctx, opts.configPath, fleet, logger)

	if err := startHTTPServer(ctx, cfg, registry, fleet, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("folio-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 FOLIO_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("FOLIO_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// watchConfig 在配置文件变化时触发 Fleet.Reload：版本或 manifest 变化的站点重新部署，
// install 失败时旧版本继续服务。
func watchConfig(ctx context.Context, path string, fleet *platform.Fleet, logger *logrus.Logger) {
	err := config.Watch(path, func(next *config.Config) {
		fields := logging.BaseFields("reload", path)
		redeployed, err := fleet.Reload(ctx, next)
		fields["redeployed"] = redeployed
		if err != nil {
			logger.WithFields(fields).WithError(err).Error("配置热更新部分失败")
			return
		}
		logger.WithFields(fields).Info("配置热更新完成")
	}, func(err error) {
		logger.WithFields(logging.BaseFields("reload", path)).WithError(err).Warn("新配置无效，继续使用旧配置")
	})
	if err != nil {
		logger.WithFields(logging.BaseFields("reload", path)).WithError(err).Warn("配置监听未启用")
	}
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	registry *server.SiteRegistry,
	fleet *platform.Fleet,
	proxyHandler server.ProxyHandler,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterSiteRoutes(app, fleet)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
