package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connq/internal/app"
	"connq/internal/connmgr"
	"connq/internal/transport"
	logx "connq/pkg/logx"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath  string
		queue    string
		priority string
		method   string
		progress bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.StringVar(&queue, "queue", connmgr.DefaultQueue, "queue to submit into")
	flag.StringVar(&priority, "priority", "normal", "very_low|low|normal|high|very_high")
	flag.StringVar(&method, "method", "GET", "HTTP method")
	flag.BoolVar(&progress, "progress", false, "log download progress")
	flag.Parse()

	prio, err := connmgr.ParsePriority(priority)
	if err != nil {
		fmt.Println("fatal:", err)
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		return 1
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		return 1
	}
	stopSignals := watchFreezeSignals(ctx, a.Manager())
	defer stopSignals()

	code := 0
	reason := app.StopFinished
	if urls := flag.Args(); len(urls) > 0 {
		if !fetch(ctx, a, urls, method, queue, prio, progress) {
			code = 1
		}
	} else {
		// No URLs: serve suspend windows until signalled.
		select {
		case <-ctx.Done():
		case <-a.Done():
		}
	}
	switch {
	case a.Err() != nil:
		reason = app.StopFatalError
	case ctx.Err() != nil:
		reason = app.StopSignal
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	return code
}

// fetch runs urls through the manager and prints one line per result. It
// reports whether every request succeeded.
func fetch(ctx context.Context, a *app.App, urls []string, method, queue string, prio connmgr.Priority, progress bool) bool {
	reqs := make([]app.FetchRequest, 0, len(urls))
	for _, u := range urls {
		reqs = append(reqs, app.FetchRequest{
			Request:  transport.Request{Method: method, URL: u},
			Queue:    queue,
			Priority: prio,
		})
	}

	var opts []connmgr.Option
	if progress {
		log := logx.NewConsole("INFO").With(logx.String("comp", "fetch"))
		opts = append(opts, connmgr.WithProgress(func(k connmgr.Key, p transport.Progress) {
			log.Info("progress",
				logx.Int64("key", int64(k)),
				logx.Int64("downloaded", p.Downloaded),
				logx.Int64("expected", p.ExpectedDownload),
			)
		}))
	}

	ok := true
	for i, res := range a.Fetch(ctx, reqs, opts...) {
		if res.Err != nil {
			ok = false
			fmt.Printf("%s\t%s\t%v\n", urls[i], res.Kind(), res.Err)
			continue
		}
		fmt.Printf("%s\t%d\t%d bytes\n", urls[i], res.Response.StatusCode, len(res.Body))
	}
	return ok
}
