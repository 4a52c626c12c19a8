// Command subxray converts a proxy subscription into Xray outbound and
// routing documents, either once (-url/-file) or as an HTTP service (-listen).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/John-Robertt/subxray/internal/convert"
	"github.com/John-Robertt/subxray/internal/fetch"
	"github.com/John-Robertt/subxray/internal/httpapi"
	"github.com/John-Robertt/subxray/internal/output"
	"github.com/John-Robertt/subxray/internal/profile"
	"github.com/sirupsen/logrus"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

type config struct {
	url     string
	file    string
	profile string

	output        string
	outboundsName string
	routingName   string

	fetchTimeout   time.Duration
	convertTimeout time.Duration
	maxBytes       int64
	workers        int
	userAgent      string

	listen            string
	healthcheck       bool
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stderr))
}

func run(args []string, stdin io.Reader, stderr io.Writer) int {
	fs := flag.NewFlagSet("subxray", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var cfg config
	fs.StringVar(&cfg.url, "url", "", "订阅 URL（http/https）")
	fs.StringVar(&cfg.file, "file", "", "本地订阅文件路径（- 表示标准输入）")
	fs.StringVar(&cfg.profile, "profile", "", "路由 profile（URL 或本地路径；为空时使用内置默认值）")
	fs.StringVar(&cfg.output, "output", "./configs", "输出目录")
	fs.StringVar(&cfg.outboundsName, "outbounds-name", httpapi.DefaultOutboundsName, "outbounds 文件名")
	fs.StringVar(&cfg.routingName, "routing-name", httpapi.DefaultRoutingName, "routing 文件名")
	fs.DurationVar(&cfg.fetchTimeout, "fetch-timeout", 15*time.Second, "单次远程拉取的超时（每个 URL 一次请求）")
	fs.DurationVar(&cfg.convertTimeout, "convert-timeout", 60*time.Second, "单次转换的总超时（包含远程拉取）")
	fs.Int64Var(&cfg.maxBytes, "max-bytes", 0, "订阅内容大小上限（0 表示默认 5 MiB）")
	fs.IntVar(&cfg.workers, "workers", 0, "并行解码的 worker 数（0 表示 GOMAXPROCS）")
	fs.StringVar(&cfg.userAgent, "user-agent", "", "拉取时使用的 User-Agent")
	fs.StringVar(&cfg.listen, "listen", "", "HTTP 监听地址（设置后以服务模式运行）")
	fs.BoolVar(&cfg.healthcheck, "healthcheck", false, "检查 -listen 对应服务的 /healthz 后退出")
	fs.DurationVar(&cfg.readHeaderTimeout, "read-header-timeout", 5*time.Second, "HTTP ReadHeaderTimeout（请求头读取超时）")
	fs.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 10*time.Second, "收到退出信号后的优雅退出等待时间")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	setupLogging(stderr)

	if cfg.healthcheck {
		listen := cfg.listen
		if listen == "" {
			listen = "127.0.0.1:25500"
		}
		u, err := deriveHealthzURL(listen)
		if err == nil {
			err = runHealthcheck(u, 3*time.Second)
		}
		if err != nil {
			logrus.WithError(err).Error("healthcheck failed")
			return exitFatal
		}
		return exitOK
	}

	if cfg.listen != "" {
		if cfg.url != "" || cfg.file != "" {
			logrus.Error("-listen 不能与 -url/-file 同时使用")
			return exitUsage
		}
		err := serve(cfg.listen, cfg.readHeaderTimeout, cfg.shutdownTimeout, httpapi.Options{
			ConvertTimeout: cfg.convertTimeout,
			FetchTimeout:   cfg.fetchTimeout,
			MaxBytes:       cfg.maxBytes,
			Workers:        cfg.workers,
			UserAgent:      cfg.userAgent,
			OutboundsName:  cfg.outboundsName,
			RoutingName:    cfg.routingName,
		})
		if err != nil {
			logrus.WithError(err).Error("server stopped")
			return exitFatal
		}
		return exitOK
	}

	if (cfg.url == "") == (cfg.file == "") {
		logrus.Error("必须且只能指定 -url 或 -file 之一")
		fs.Usage()
		return exitUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.convertTimeout)
	defer cancel()
	if err := convertOnce(ctx, cfg, stdin); err != nil {
		logFatal(err)
		return exitFatal
	}
	return exitOK
}

// setupLogging honors LOG_LEVEL (logrus level names); the default is info.
func setupLogging(w io.Writer) {
	logrus.SetOutput(w)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level := logrus.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		l, err := logrus.ParseLevel(raw)
		if err != nil {
			logrus.WithField("LOG_LEVEL", raw).Warn("unknown log level, using info")
		} else {
			level = l
		}
	}
	logrus.SetLevel(level)
}

func convertOnce(ctx context.Context, cfg config, stdin io.Reader) error {
	fopt := fetch.Options{Timeout: cfg.fetchTimeout, UserAgent: cfg.userAgent}

	subOpt := fopt
	subOpt.MaxBytes = cfg.maxBytes
	var (
		text string
		err  error
	)
	switch {
	case cfg.file == "-":
		text, err = fetch.ReadText(stdin, fetch.KindSubscription, "stdin", subOpt)
	case cfg.file != "":
		text, err = fetch.LoadText(ctx, fetch.KindSubscription, cfg.file, subOpt)
	default:
		text, err = fetch.FetchTextWithOptions(ctx, fetch.KindSubscription, cfg.url, subOpt)
	}
	if err != nil {
		return err
	}

	prof := profile.Default()
	if cfg.profile != "" {
		raw, err := fetch.LoadText(ctx, fetch.KindProfile, cfg.profile, fopt)
		if err != nil {
			return err
		}
		if prof, err = profile.ParseProfileYAML(cfg.profile, raw); err != nil {
			return err
		}
	}
	rules, err := profile.ExpandRules(ctx, prof, profile.FetchLoader(fopt))
	if err != nil {
		return err
	}

	res, err := convert.Run(ctx, text, prof, convert.Options{Workers: cfg.workers, Rules: rules})
	if err != nil {
		return err
	}
	for _, d := range res.Diagnostics {
		logrus.WithFields(logrus.Fields{
			"line": d.Line,
			"kind": d.Kind,
		}).Warn(d.Message)
	}

	if err := output.WriteAll(cfg.output, []output.File{
		{Name: cfg.outboundsName, Data: res.Outbounds},
		{Name: cfg.routingName, Data: res.Routing},
	}); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"entries":     res.Stats.Entries,
		"failed":      res.Stats.Failed,
		"duplicates":  res.Stats.Duplicates,
		"diagnostics": len(res.Diagnostics),
		"output":      cfg.output,
	}).Info("conversion complete")
	return nil
}

func logFatal(err error) {
	_, app := httpapi.AppErrorOf(err)
	fields := logrus.Fields{"code": app.Code, "stage": app.Stage}
	if app.URL != "" {
		fields["url"] = app.URL
	}
	if app.Line > 0 {
		fields["line"] = app.Line
	}
	if app.Snippet != "" {
		fields["snippet"] = app.Snippet
	}
	if app.Hint != "" {
		fields["hint"] = app.Hint
	}
	msg := app.Message
	if cause := errors.Unwrap(err); cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	logrus.WithFields(fields).Error(msg)
}
