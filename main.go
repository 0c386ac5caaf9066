package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/any-hub/proxycache/internal/cache"
	"github.com/any-hub/proxycache/internal/config"
	"github.com/any-hub/proxycache/internal/logging"
	"github.com/any-hub/proxycache/internal/proxy"
	"github.com/any-hub/proxycache/internal/server"
	"github.com/any-hub/proxycache/internal/server/routes"
	"github.com/any-hub/proxycache/internal/version"
)

// shutdownTimeout 限制优雅退出时等待在途请求的时间。
const shutdownTimeout = 10 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	// flags 保留解析后的 FlagSet，显式设置的覆盖项通过 viper 绑定生效。
	flags *pflag.FlagSet
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(ctx context.Context, opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.LoadWithFlags(opts.configPath, opts.flags)
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
		fields["upstream"] = cfg.Upstream.URL
		fields["storage_path"] = cfg.Global.StoragePath
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为“配置 → 磁盘缓存 → Fiber server”，缓存就绪后才开始接收请求。
	store, err := openCache(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	defer store.Close()

	app, err := buildApp(cfg, logger, store)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 HTTP 服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["upstream"] = cfg.Upstream.URL
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(ctx, app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("proxycache", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PROXYCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.Int("listen-port", 0, "覆盖配置中的 ListenPort")
	fs.String("storage-path", "", "覆盖配置中的 StoragePath")
	fs.String("log-level", "", "覆盖配置中的 LogLevel")
	fs.String("upstream", "", "覆盖配置中的 Upstream.URL")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PROXYCACHE_CONFIG")
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
		flags:       fs,
	}, nil
}

// openCache 创建缓存并完成初始化（含恢复扫描）。
func openCache(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*cache.Cache, error) {
	store, err := cache.New(cache.Options{
		Path:          cfg.Global.StoragePath,
		MaxSizeBytes:  cfg.Global.MaxCacheSize,
		RecoverOnInit: cfg.Global.RecoverOnInit,
		MaxAge:        cfg.Global.CacheMaxAge.DurationValue(),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// buildApp 组装 Fiber 应用：代理 handler 负责业务路径，/-/ 前缀留给诊断接口。
func buildApp(cfg *config.Config, logger *logrus.Logger, store *cache.Cache) (*fiber.App, error) {
	route, err := server.NewRoute(cfg)
	if err != nil {
		return nil, err
	}

	httpClient := server.NewUpstreamClient(cfg)
	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Route:  route,
		Proxy:  proxy.NewHandler(httpClient, logger, store),
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterCacheRoutes(app, store)
	return app, nil
}

// serve 监听端口直到 ctx 结束，随后优雅关闭。
func serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	listenErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		listenErr <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，开始关闭")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
