package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/hisnul/hisnul-cache/internal/audiocache"
	"github.com/hisnul/hisnul-cache/internal/config"
	"github.com/hisnul/hisnul-cache/internal/logging"
	"github.com/hisnul/hisnul-cache/internal/playback"
	"github.com/hisnul/hisnul-cache/internal/playback/beepmedia"
	"github.com/hisnul/hisnul-cache/internal/proxy"
	"github.com/hisnul/hisnul-cache/internal/server"
	"github.com/hisnul/hisnul-cache/internal/server/routes"
	"github.com/hisnul/hisnul-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	writeConfig bool
	origin      string
	stats       bool
	clearCache  bool
	sweep       bool
	preload     bool
	playURL     string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr

	// newMediaFactory 构造 --play 使用的解码/输出后端，测试中替换为假实现。
	newMediaFactory = func(client *http.Client, logger *logrus.Logger) playback.MediaFactory {
		return beepmedia.NewFactory(client, logger)
	}
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

	if opts.writeConfig {
		if err := config.WriteDefault(opts.configPath, opts.origin); err != nil {
			fmt.Fprintf(stdErr, "写入配置失败: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdOut, "已写入默认配置: %s\n", opts.configPath)
		return 0
	}

	serving := !opts.checkOnly && !opts.oneShot()
	var (
		cfg     *config.Config
		err     error
		current atomic.Pointer[logrus.Logger]
	)
	if serving {
		// 服务模式下监听配置变更，只热更新日志级别。
		cfg, err = config.Watch(opts.configPath, func(updated *config.Config, event fsnotify.Event) {
			logger := current.Load()
			if logger == nil {
				return
			}
			if err := logging.ApplyLevel(logger, updated.Global.LogLevel); err != nil {
				logger.WithError(err).WithField("file", event.Name).Warn("config_reload_failed")
			}
		}, func(err error) {
			if logger := current.Load(); logger != nil {
				logger.WithError(err).WithField("action", "config_reload").Warn("config_reload_failed")
			}
		})
	} else {
		cfg, err = config.Load(opts.configPath)
	}
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}
	current.Store(logger)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["intercept"] = cfg.Intercept.Enabled
		fields["preload_urls"] = len(cfg.Preload.URLs)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	svc, err := buildServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case opts.stats:
		return runStats(ctx, svc)
	case opts.clearCache:
		return runClear(ctx, svc)
	case opts.sweep:
		return runSweep(ctx, svc)
	case opts.preload:
		return runPreload(ctx, svc)
	case opts.playURL != "":
		return runPlay(ctx, svc, opts.playURL)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["intercept"] = cfg.Intercept.Enabled
	fields["degraded"] = svc.manager.Degraded()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	svc.prepare(ctx)

	if err := startHTTPServer(ctx, svc); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func (o cliOptions) oneShot() bool {
	return o.stats || o.clearCache || o.sweep || o.preload || o.playURL != ""
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("hisnul-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		opts       cliOptions
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 HISNUL_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	fs.BoolVar(&opts.writeConfig, "write-config", false, "在配置路径写入默认配置后退出")
	fs.StringVar(&opts.origin, "origin", "", "与 --write-config 搭配，指定静态资源回源地址")
	fs.BoolVar(&opts.stats, "stats", false, "输出缓存统计后退出")
	fs.BoolVar(&opts.clearCache, "clear-cache", false, "清空全部缓存后退出")
	fs.BoolVar(&opts.sweep, "sweep", false, "淘汰过期音频后退出")
	fs.BoolVar(&opts.preload, "preload", false, "预取 [Preload] 中的音频后退出")
	fs.StringVar(&opts.playURL, "play", "", "通过缓存播放一个音频 URL")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("HISNUL_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path

	return opts, nil
}

func runStats(ctx context.Context, svc *services) int {
	count, message := audiocache.NewControls(svc.manager).EntryCount(ctx)
	fmt.Fprintln(stdOut, message)
	if s := svc.audioStore(); s != nil && count > 0 {
		stats, err := s.Stats(ctx)
		if err != nil {
			fmt.Fprintf(stdErr, "读取统计失败: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdOut, "%s stored, oldest %s, newest %s\n",
			humanize.Bytes(uint64(stats.StoredBytes)),
			humanize.Time(stats.Oldest),
			humanize.Time(stats.Newest))
	}
	if svc.worker != nil {
		info, err := svc.worker.Info(ctx)
		if err != nil {
			fmt.Fprintf(stdErr, "读取拦截层缓存失败: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdOut, "network cache: %d static, %d audio\n", info.Static, info.Audio)
	}
	return 0
}

func runClear(ctx context.Context, svc *services) int {
	message, err := svc.clearAll(ctx)
	if err != nil {
		fmt.Fprintf(stdErr, "%s: %v\n", message, err)
		return 1
	}
	fmt.Fprintln(stdOut, message)
	return 0
}

func runSweep(ctx context.Context, svc *services) int {
	removed, err := svc.manager.Sweep(ctx)
	if err != nil {
		fmt.Fprintf(stdErr, "淘汰失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdOut, "removed %d expired audio files\n", removed)
	return 0
}

func runPreload(ctx context.Context, svc *services) int {
	report := svc.manager.PreloadAll(ctx, svc.cfg.Preload.URLs)
	fmt.Fprintf(stdOut, "requested %d, cached %d, fetched %d, failed %d\n",
		report.Requested, report.Cached, report.Fetched, len(report.Failed))

	failed := make([]string, 0, len(report.Failed))
	for url := range report.Failed {
		failed = append(failed, url)
	}
	sort.Strings(failed)
	for _, url := range failed {
		fmt.Fprintf(stdErr, "  %s: %s\n", url, report.Failed[url])
	}
	if len(failed) > 0 {
		return 1
	}
	return 0
}

// runPlay 加载并播放一个 URL，直到片段结束、播放失败或收到中断信号。
func runPlay(ctx context.Context, svc *services, url string) int {
	factory := newMediaFactory(server.NewUpstreamClient(svc.cfg, svc.network), svc.logger)
	controller := playback.NewController(svc.manager, factory, svc.logger, playback.WithMetrics(svc.metrics))
	defer controller.Close()

	status := controller.Load(ctx, url)
	if status.State == playback.StateFailed {
		fmt.Fprintln(stdErr, status.Error)
		return 1
	}

	status = controller.Play()
	if status.State == playback.StateFailed {
		fmt.Fprintln(stdErr, status.Error)
		return 1
	}
	fmt.Fprintf(stdOut, "playing %s (cached=%t)\n", url, status.IsCached)

	// 订阅时先收到当前状态；片段若已结束则直接是 Paused。
	updates, cancel := controller.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			controller.Stop()
			return 0
		case st, ok := <-updates:
			if !ok {
				return 0
			}
			switch st.State {
			case playback.StateFailed:
				fmt.Fprintln(stdErr, st.Error)
				return 1
			case playback.StatePaused, playback.StateReady, playback.StateIdle:
				return 0
			}
		}
	}
}

func startHTTPServer(ctx context.Context, svc *services) error {
	port := svc.cfg.Global.ListenPort
	classify := func(string) bool { return false }
	if svc.worker != nil {
		classify = svc.worker.IsAudioPath
	}
	registry, err := server.NewOriginRegistry(svc.cfg, classify)
	if err != nil {
		return err
	}

	transport := svc.network
	if svc.worker != nil {
		transport = svc.worker
	}
	handler := proxy.NewHandler(server.NewUpstreamClient(svc.cfg, transport), svc.logger)

	app, err := server.NewApp(server.AppOptions{
		Logger:     svc.logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(handler, svc.logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterManagementRoutes(app, routes.Options{
		Manager:     svc.manager,
		Store:       svc.audioStore(),
		Worker:      svc.worker,
		Registry:    registry,
		Gatherer:    svc.registry,
		PreloadURLs: svc.cfg.Preload.URLs,
		Logger:      svc.logger,
	})

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(5 * time.Second); err != nil && !errors.Is(err, context.Canceled) {
			svc.logger.WithError(err).WithField("action", "shutdown").Warn("shutdown_failed")
		}
	}()

	svc.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
