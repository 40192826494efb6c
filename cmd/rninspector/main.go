package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"rninspector/internal/config"
	"rninspector/internal/logger"
	"rninspector/pkg/api"
)

// loadFlagsFromEnv 用 RNINSPECTOR_<FLAG> 环境变量覆盖命令行参数
func loadFlagsFromEnv(fs *flag.FlagSet, l logger.Logger) {
	replacer := strings.NewReplacer(".", "_", "-", "_")
	fs.VisitAll(func(f *flag.Flag) {
		envName := "RNINSPECTOR_" + strings.ToUpper(replacer.Replace(f.Name))
		if value, ok := os.LookupEnv(envName); ok {
			if err := fs.Set(f.Name, value); err != nil {
				l.Warn("环境变量格式错误，已忽略", "env", envName, "error", err)
			} else {
				l.Debug("从环境变量加载参数", "flag", f.Name, "env", envName)
			}
		}
	})
}

type options struct {
	configPath  string
	runtimeHost string
	runtimePort int
	proxyHost   string
	proxyPort   int
	cache       string
	logLevel    string
	xhrLogging  bool
	simulate    bool
	noMetrics   bool
}

func parseFlags(args []string, l logger.Logger) (*options, *flag.FlagSet, error) {
	o := &options{}
	fs := flag.NewFlagSet("rninspector", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "YAML 配置文件路径")
	fs.StringVar(&o.runtimeHost, "runtime.host", "", "运行时 inspector 主机")
	fs.IntVar(&o.runtimePort, "runtime.port", 0, "运行时 inspector 端口（Metro 默认 8081）")
	fs.StringVar(&o.proxyHost, "proxy.host", "", "代理监听主机")
	fs.IntVar(&o.proxyPort, "proxy.port", 0, "代理监听端口（默认 2052）")
	fs.StringVar(&o.cache, "cache", "", "响应体缓存后端: memory | sqlite")
	fs.StringVar(&o.logLevel, "log.level", "", "日志级别")
	fs.BoolVar(&o.xhrLogging, "xhr-logging", false, "连接运行时后注入 XHR 日志脚本")
	fs.BoolVar(&o.simulate, "simulate", false, "运行时断开期间广播模拟网络事件")
	fs.BoolVar(&o.noMetrics, "no-metrics", false, "关闭 /metrics")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	loadFlagsFromEnv(fs, l)
	return o, fs, nil
}

// apply 只覆盖显式设置过的参数
func (o *options) apply(fs *flag.FlagSet, cfg *config.Config) {
	set := map[string]bool{}
	// 通过环境变量设置的参数同样会被 Visit 访问到
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["runtime.host"] {
		cfg.Runtime.Host = o.runtimeHost
	}
	if set["runtime.port"] {
		cfg.Runtime.Port = o.runtimePort
	}
	if set["proxy.host"] {
		cfg.Proxy.Host = o.proxyHost
	}
	if set["proxy.port"] {
		cfg.Proxy.Port = o.proxyPort
	}
	if set["cache"] {
		cfg.Cache.Backend = o.cache
	}
	if set["log.level"] {
		cfg.Log.Level = o.logLevel
	}
	if set["xhr-logging"] {
		cfg.Runtime.XHRLoggingOnConnect = o.xhrLogging
	}
	if set["simulate"] {
		cfg.Simulation.Enabled = o.simulate
	}
	if set["no-metrics"] {
		cfg.Metrics.Enabled = !o.noMetrics
	}
}

func run(args []string) error {
	bootLog, err := logger.New(logger.Options{Level: "warn"})
	if err != nil {
		return err
	}
	o, fs, err := parseFlags(args, bootLog)
	if err != nil {
		return err
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	o.apply(fs, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	l, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Writer:     cfg.Log.Writer,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	svc, err := api.NewService(cfg, l)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		for ev := range svc.Events() {
			l.Info("代理事件", "type", ev.Type, "target", ev.Target, "client", string(ev.Client), "error", ev.Error)
		}
	}()

	l.Info("启动 rninspector", "runtime", cfg.RuntimeBaseURL(), "proxy", cfg.ProxyAddr(), "cache", cfg.Cache.Backend)
	return svc.Run(ctx)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "rninspector:", err)
		os.Exit(1)
	}
}
