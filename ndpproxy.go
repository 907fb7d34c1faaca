// ndpproxy answers IPv6 neighbor solicitations on one interface for
// addresses reachable through another.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hujun-open/ndpproxy/common"
	"github.com/hujun-open/ndpproxy/sched"
	"github.com/hujun-open/shouchan"
)

func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

func run(cli *cliConf) error {
	logger, err := common.NewLogger(cli.level())
	if err != nil {
		return err
	}
	defer logger.Sync()
	common.Logger = logger

	cfg, err := loadConfFile(cli.Config)
	if err != nil {
		return err
	}
	if err := writePidFile(cli.PidFile); err != nil {
		return fmt.Errorf("failed to write pid file, %w", err)
	}
	if cli.PidFile != "" {
		defer os.Remove(cli.PidFile)
	}

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	s, err := sched.NewSched(cfg, sched.WithLogger(logger), sched.WithSummaryOn(usr1))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Infof("ndpproxy started with %d proxies", len(cfg.Proxies))
	err = s.Run(ctx)
	logger.Infof("ndpproxy stopped\n%v", s.Summary())
	return err
}

func main() {
	cnf, err := shouchan.NewSConf(newDefaultCLIConf(), "ndpproxy", "IPv6 neighbor discovery proxy")
	if err != nil {
		log.Fatal(err)
	}
	// the proxy config is loaded separately, only the command line matters here
	_, aerr := cnf.ReadwithCMDLine()
	if aerr != nil {
		log.Fatalf("invalid command line, %v", aerr)
	}
	if err := run(cnf.GetConf()); err != nil {
		log.Fatal(err)
	}
}
