package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"mailpace/internal/app"
	"mailpace/internal/printer"
)

const usage = `usage: mailpace [-config path] <command> [args]

commands:
  run [source]   dispatch once to the recipients in source (file path or "kafka")
  serve          dispatch on a schedule and expose /healthz, /status, /metrics
  import         copy recipient rows from Postgres into the import output file
  config         print the effective configuration with secrets redacted
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string, args []string) error {
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	a, err := app.New(cfgPath)
	if err != nil {
		return printer.Error("Could not load configuration", err.Error())
	}
	defer a.Close()

	switch args[0] {
	case "run":
		src := ""
		if len(args) > 1 {
			src = args[1]
		} else if src, err = prompt("Path to recipients file: "); err != nil {
			return err
		}
		if src == "" {
			return errors.New("no recipient source given")
		}
		printer.Step("dispatching to recipients from %s", src)
		rep, err := a.RunOnce(ctx, src)
		if err != nil {
			return err
		}
		printer.Report(rep)
		return nil
	case "serve":
		return a.Serve(ctx)
	case "import":
		n, err := a.Import(ctx)
		if err != nil {
			return err
		}
		printer.Success("imported %d recipients", n)
		return nil
	case "config":
		b, err := a.Config().Redacted().MarshalIndent()
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func prompt(label string) (string, error) {
	fmt.Print(label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read source: %w", err)
	}
	return strings.TrimSpace(line), nil
}
