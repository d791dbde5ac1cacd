package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.dedis.ch/escrow/agreement"
	"go.dedis.ch/escrow/config"
	"go.dedis.ch/escrow/ledger"
	"go.dedis.ch/escrow/ledger/ethledger"
	"go.dedis.ch/escrow/ledger/memledger"
	"go.dedis.ch/escrow/logging"
	"go.dedis.ch/escrow/store"
	"go.dedis.ch/escrow/trace"
	"go.dedis.ch/escrow/wallet"
)

func main() {
	app := &cli.App{
		Name:  "escrow",
		Usage: "drive escrow agreements through lock, access and escrow",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: config.Default().LogLevel, EnvVars: []string{"ESCROW_LOG_LEVEL"}},
		},
		Before: func(c *cli.Context) error {
			return logging.SetLevel(c.String("log-level"))
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "resume pending agreements and watch the ledger until interrupted",
				Flags:  append(engineFlags(), &cli.DurationFlag{Name: "prune-after", EnvVars: []string{"ESCROW_PRUNE_AFTER"}, Usage: "delete completed agreements older than this (0 keeps them)"}),
				Action: run,
			},
			{
				Name:  "create",
				Usage: "create one agreement as its consumer and wait for it to finish",
				Flags: append(engineFlags(),
					&cli.StringFlag{Name: "did", Required: true},
					&cli.StringFlag{Name: "price", Required: true},
					&cli.StringFlag{Name: "publisher", Required: true},
					&cli.IntFlag{Name: "service-index"},
					&cli.StringFlag{Name: "files"},
					&cli.StringFlag{Name: "fund", Usage: "credit the consumer on the memory ledger"},
				),
				Action: create,
			},
			{
				Name:  "status",
				Usage: "print stored agreements",
				Flags: append(engineFlags(), &cli.StringFlag{Name: "id", Usage: "only this agreement"}),
				Action: status,
			},
			{
				Name:  "keygen",
				Usage: "write a new private key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Value: config.Default().Key},
				},
				Action: keygen,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.RootLogger.Error().Err(err).Msg("escrow failed")
		os.Exit(1)
	}
}

func engineFlags() []cli.Flag {
	d := config.Default()
	return []cli.Flag{
		&cli.StringFlag{Name: "ledger", Value: d.Ledger, EnvVars: []string{"ESCROW_LEDGER"}, Usage: "memory or a node URL"},
		&cli.StringFlag{Name: "contracts", EnvVars: []string{"ESCROW_CONTRACTS"}, Usage: "contract set file"},
		&cli.StringFlag{Name: "template", EnvVars: []string{"ESCROW_TEMPLATE"}, Usage: "condition template file"},
		&cli.StringFlag{Name: "store", Value: d.Store, EnvVars: []string{"ESCROW_STORE"}},
		&cli.StringFlag{Name: "key", Value: d.Key, EnvVars: []string{"ESCROW_KEY"}},
		&cli.StringFlag{Name: "role", Value: d.Role, EnvVars: []string{"ESCROW_ROLE"}},
		&cli.StringFlag{Name: "trace", EnvVars: []string{"ESCROW_TRACE"}, Usage: "vector clock log prefix"},
		&cli.StringFlag{Name: "metrics", EnvVars: []string{"ESCROW_METRICS"}, Usage: "listen address of /metrics"},
		&cli.DurationFlag{Name: "poll-interval", Value: d.PollInterval, EnvVars: []string{"ESCROW_POLL_INTERVAL"}},
		&cli.DurationFlag{Name: "onboarding-timeout", Value: d.OnboardingTimeout, EnvVars: []string{"ESCROW_ONBOARDING_TIMEOUT"}},
		&cli.DurationFlag{Name: "lock-timeout", Value: d.LockTimeout, EnvVars: []string{"ESCROW_LOCK_TIMEOUT"}},
		&cli.DurationFlag{Name: "access-timeout", Value: d.AccessTimeout, EnvVars: []string{"ESCROW_ACCESS_TIMEOUT"}},
		&cli.DurationFlag{Name: "escrow-timeout", Value: d.EscrowTimeout, EnvVars: []string{"ESCROW_ESCROW_TIMEOUT"}},
		&cli.IntFlag{Name: "retries", Value: d.Retries, EnvVars: []string{"ESCROW_RETRIES"}},
		&cli.Uint64Flag{Name: "from-block", EnvVars: []string{"ESCROW_FROM_BLOCK"}},
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	conf := config.Config{
		Ledger:            c.String("ledger"),
		Contracts:         c.String("contracts"),
		Template:          c.String("template"),
		Store:             c.String("store"),
		Key:               c.String("key"),
		Role:              c.String("role"),
		LogLevel:          c.String("log-level"),
		Trace:             c.String("trace"),
		Metrics:           c.String("metrics"),
		PollInterval:      c.Duration("poll-interval"),
		OnboardingTimeout: c.Duration("onboarding-timeout"),
		LockTimeout:       c.Duration("lock-timeout"),
		AccessTimeout:     c.Duration("access-timeout"),
		EscrowTimeout:     c.Duration("escrow-timeout"),
		Retries:           c.Int("retries"),
		FromBlock:         c.Uint64("from-block"),
	}
	return conf, conf.Validate()
}

// node is an engine with the resources it was built from.
type node struct {
	engine *agreement.Engine
	store  store.Store
	ledger ledger.Client
	wallet *wallet.Wallet
	close  func()
}

func newNode(ctx context.Context, conf config.Config) (*node, error) {
	tmpl, err := config.LoadTemplate(conf.Template)
	if err != nil {
		return nil, err
	}
	role, err := agreement.ParseRole(conf.Role)
	if err != nil {
		return nil, err
	}
	w, err := wallet.Load(conf.Key)
	if err != nil {
		return nil, err
	}
	s, err := store.Open(ctx, conf.Store)
	if err != nil {
		return nil, err
	}

	n := &node{store: s, wallet: w, close: func() {}}
	if conf.Ledger == config.MemoryLedger {
		n.ledger = memledger.NewLedger(memledger.LedgerConf{Template: tmpl})
	} else {
		contracts, err := ethledger.LoadContracts(conf.Contracts)
		if err != nil {
			return nil, err
		}
		l, err := ethledger.Dial(ctx, ethledger.LedgerConf{
			URL:       conf.Ledger,
			Contracts: contracts,
			Keys:      []*ecdsa.PrivateKey{w.PrivateKey()},
		})
		if err != nil {
			return nil, err
		}
		n.ledger = l
		n.close = l.Close
	}

	var tracer *trace.Tracer
	if conf.Trace != "" {
		tracer = trace.NewTracer(trace.TracerConf{Process: role.String() + "-" + w.Address().Hex()[:10], Path: conf.Trace})
	}

	n.engine, err = agreement.NewEngine(agreement.EngineConf{
		Ledger:            n.ledger,
		Store:             s,
		Wallet:            w,
		Template:          tmpl,
		Role:              role,
		Interval:          conf.PollInterval,
		Retries:           conf.Retries,
		FromBlock:         conf.FromBlock,
		OnboardingTimeout: conf.OnboardingTimeout,
		ConditionTimeouts: conf.ConditionTimeouts(),
		Tracer:            tracer,
		Registerer:        prometheus.DefaultRegisterer,
	})
	if err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		err := http.ListenAndServe(addr, mux)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.RootLogger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}

func run(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, conf)
	if err != nil {
		return err
	}
	defer n.close()
	serveMetrics(conf.Metrics)

	resumed, err := n.engine.Recover(ctx)
	if err != nil {
		return err
	}
	n.engine.Start()
	defer n.engine.Stop()
	logging.RootLogger.Info().Int("resumed", resumed).Str("address", n.wallet.Address().Hex()).
		Msg("escrow running, interrupt to stop")

	pruneAfter := c.Duration("prune-after")
	if pruneAfter <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(pruneAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := n.store.Prune(ctx, time.Now().Add(-pruneAfter))
			if err != nil {
				logging.RootLogger.Warn().Err(err).Msg("prune failed")
				continue
			}
			logging.RootLogger.Info().Int64("removed", removed).Msg("pruned completed agreements")
		}
	}
}

func create(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	price, ok := new(big.Int).SetString(c.String("price"), 10)
	if !ok {
		return fmt.Errorf("invalid price %q", c.String("price"))
	}
	if !common.IsHexAddress(c.String("publisher")) {
		return fmt.Errorf("invalid publisher address %q", c.String("publisher"))
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	n, err := newNode(ctx, conf)
	if err != nil {
		return err
	}
	defer n.close()

	if fund := c.String("fund"); fund != "" {
		mem, ok := n.ledger.(*memledger.Ledger)
		if !ok {
			return errors.New("--fund only works with the memory ledger")
		}
		amount, ok := new(big.Int).SetString(fund, 10)
		if !ok {
			return fmt.Errorf("invalid amount %q", fund)
		}
		mem.SetBalance(n.wallet.Address(), amount)
	}

	n.engine.Start()
	defer n.engine.Stop()

	id, err := n.engine.Create(ctx, agreement.Request{
		DID:          c.String("did"),
		ServiceIndex: c.Int("service-index"),
		Publisher:    common.HexToAddress(c.String("publisher")),
		Price:        price,
		Files:        c.String("files"),
	})
	if err != nil {
		return err
	}
	fmt.Println("agreement", id.Hex())

	deadline := conf.OnboardingTimeout + conf.LockTimeout + conf.AccessTimeout + conf.EscrowTimeout
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	ticker := time.NewTicker(conf.PollInterval)
	defer ticker.Stop()
	for {
		st, err := n.engine.State(id)
		if err != nil {
			return err
		}
		if st.Stage.IsTerminal() {
			return printAgreement(ctx, n, st.Agreement)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("agreement %s still %s: %w", id.Hex(), st.Stage, ctx.Err())
		case <-ticker.C:
		}
	}
}

func status(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	n, err := newNode(c.Context, conf)
	if err != nil {
		return err
	}
	defer n.close()

	if id := c.String("id"); id != "" {
		a, err := n.store.Get(c.Context, common.HexToHash(id))
		if err != nil {
			return err
		}
		return printAgreement(c.Context, n, a)
	}
	all, err := n.store.List(c.Context)
	if err != nil {
		return err
	}
	for _, a := range all {
		if err := printAgreement(c.Context, n, a); err != nil {
			return err
		}
	}
	return nil
}

func printAgreement(ctx context.Context, n *node, a store.Agreement) error {
	states, err := agreement.ReadStates(ctx, n.ledger, a.ConditionIDs)
	if err != nil {
		// the memory ledger of another process is gone
		fmt.Printf("agreement %s [%s] %s price=%s\n", a.ID.Hex(), a.Status, a.DID, a.Price)
		return nil
	}
	fmt.Print(agreement.Display(a, states))
	return nil
}

func keygen(c *cli.Context) error {
	w, err := wallet.Generate()
	if err != nil {
		return err
	}
	if err := w.Save(c.String("out")); err != nil {
		return err
	}
	fmt.Println(w.Address().Hex())
	return nil
}
