// Command gojopage_cli is an interactive shell over an embedded page store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojopage/config"
	pagestore "github.com/sushant-115/gojopage/core/storage_engine/page_store"
	"github.com/sushant-115/gojopage/pkg/logger"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "gojopage.yaml", "Path to the YAML configuration file")
	dataDir    = flag.String("data_dir", "", "Overrides storage.dir from the configuration")
	logFile    = flag.String("log_file", "gojopage_cli.log", "Where engine logs go, keeping the terminal clean")
)

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("open"),
		readline.PcItem("partitions"),
		readline.PcItem("alloc"),
		readline.PcItem("free"),
		readline.PcItem("write"),
		readline.PcItem("read"),
		readline.PcItem("root", readline.PcItem("none")),
		readline.PcItem("meta"),
		readline.PcItem("checkpoint"),
		readline.PcItem("destroy"),
		readline.PcItem("backup"),
		readline.PcItem("verify"),
		readline.PcItem("pageid"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	if *dataDir != "" {
		cfg.Storage.Dir = *dataDir
	}
	cfg.Logger.OutputFile = *logFile
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	engine, err := pagestore.Open(cfg.Storage, zlogger, nil)
	if err != nil {
		log.Fatalf("Error opening storage engine: %v", err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojopage> ",
		HistoryFile:     filepath.Join(os.TempDir(), "gojopage_cli.history"),
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		_ = engine.Close(context.Background())
		log.Fatalf("Error starting readline: %v", err)
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "GojoPage shell on %s. Type 'help' for commands.\n", cfg.Storage.Dir)
	sh := newShell(engine, rl.Stdout())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Fprintf(rl.Stderr(), "Error reading input: %v\n", err)
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err = sh.exec(ctx, strings.TrimSpace(line))
		cancel()
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
		}
	}

	fmt.Fprintln(rl.Stdout(), "Closing storage engine...")
	if err := engine.Close(context.Background()); err != nil {
		zlogger.Error("Storage engine did not close cleanly", zap.Error(err))
		fmt.Fprintf(rl.Stderr(), "Error closing storage engine: %v\n", err)
		os.Exit(1)
	}
}
