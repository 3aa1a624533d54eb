// Command listener runs a headless realtime session: it keeps a live
// connection for one user, routes pushed events and reports toasts and
// account-lock changes.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/retail-bank-web/realtime/internal/backend"
	"github.com/retail-bank-web/realtime/internal/clock"
	"github.com/retail-bank-web/realtime/internal/config"
	"github.com/retail-bank-web/realtime/internal/events"
	"github.com/retail-bank-web/realtime/internal/lock"
	"github.com/retail-bank-web/realtime/internal/logging"
	"github.com/retail-bank-web/realtime/internal/notify"
	"github.com/retail-bank-web/realtime/internal/realtime"
)

var (
	configPath string
	credential string
	bearer     bool
	clientID   string
	trayLimit  int
)

var rootCmd = &cobra.Command{
	Use:           "listener",
	Short:         "Headless realtime session",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.Flags().StringVar(&credential, "credential", os.Getenv("SESSION_TOKEN"), "session credential (defaults to $SESSION_TOKEN)")
	rootCmd.Flags().BoolVar(&bearer, "bearer", false, "send the credential as a bearer token instead of a cookie")
	rootCmd.Flags().StringVar(&clientID, "client-id", "", "advisory client id sent with token requests")
	rootCmd.Flags().IntVar(&trayLimit, "tray", 20, "number of recent toasts kept")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if credential == "" {
		return errors.New("a session credential is required (--credential or $SESSION_TOKEN)")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cred := backend.Credential{Value: credential, Source: backend.SourceCookie}
	if bearer {
		cred.Source = backend.SourceBearer
	}
	session := backend.NewClient(backend.Config{
		BaseURL:       cfg.Backend.BaseURL,
		ProfilePath:   cfg.Backend.ProfilePath,
		UnlockPath:    cfg.Backend.UnlockPath,
		SessionCookie: cfg.Backend.SessionCookie,
		Timeout:       cfg.Backend.Timeout,
	}).NewSession(cred)

	controller := lock.NewController(session, clock.Real(), logger.Named("lock"))
	controller.Subscribe(func(s lock.State) {
		if s.Active {
			logger.Warn("account locked",
				zap.String("reason", s.Reason),
				zap.Timep("locked_until", s.LockedUntil),
				zap.Bool("unlock_request_pending", s.UnlockRequestPending),
			)
			return
		}
		logger.Info("account unlocked")
	})

	tray := notify.NewTray(trayLimit)
	printer := notify.Func(func(t notify.Toast) {
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", t.Severity, t.Title, t.Message)
	})

	bus := events.NewBus()
	router := events.NewRouter(bus, notify.Multi(tray, printer), controller, logger.Named("events"))
	if err := subscribeSignals(bus, logger.Named("signals")); err != nil {
		return err
	}

	manager := realtime.NewManager(
		realtime.NewHTTPTokenSource(cfg.Transport.TokenURL, cfg.Backend.SessionCookie, cred, clientID),
		realtime.NewWebSocketTransport(cfg.Transport.URL),
		realtime.WithPolicy(realtime.Policy{
			Delay:       cfg.Reconnect.Delay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			Multiplier:  cfg.Reconnect.Multiplier,
			MaxDelay:    cfg.Reconnect.MaxDelay,
		}),
		realtime.WithLogger(logger.Named("realtime")),
	)
	manager.OnConnection(func(c *realtime.Connection) {
		router.Attach(c)
		c.OnStateChange(func(s realtime.State) {
			logger.Info("connection state", zap.String("connection_id", c.ID()), zap.Stringer("state", s))
		})
	})
	defer manager.Teardown()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := controller.Revalidate(ctx); err != nil {
		logger.Warn("initial lock check failed", zap.Error(err))
	}

	conn, err := manager.EnsureConnection(ctx, true)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-conn.Done():
		}
		if gctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("live updates unavailable: %w", conn.Err())
	})
	err = g.Wait()

	manager.Teardown()
	controller.Wait()
	logger.Info("session ended", zap.Int("toasts", tray.Len()))
	return err
}

func subscribeSignals(bus *events.Bus, logger *zap.Logger) error {
	const consumer = "listener"
	return errors.Join(
		bus.Subscribe(events.SignalConnected, consumer, func(p any) {
			c := p.(events.Connected)
			logger.Info("connected", zap.String("connection_id", c.ConnectionID), zap.String("client_id", c.ClientID))
		}),
		bus.Subscribe(events.SignalBalance, consumer, func(p any) {
			logger.Info("balance updated", zap.String("balance", string(p.(events.BalanceUpdated).Balance)))
		}),
		bus.Subscribe(events.SignalTransfer, consumer, func(p any) {
			t := p.(events.TransferUpdated)
			logger.Info("transfer updated", zap.String("transfer_id", string(t.TransferID)), zap.String("status", t.Status))
		}),
		bus.Subscribe(events.SignalCard, consumer, func(p any) {
			c := p.(events.CardUpdated)
			logger.Info("card updated", zap.String("card_id", string(c.CardID)), zap.String("status", c.Status))
		}),
		bus.Subscribe(events.SignalLoan, consumer, func(p any) {
			l := p.(events.LoanUpdated)
			logger.Info("loan updated", zap.String("loan_id", string(l.LoanID)), zap.String("status", l.Status))
		}),
		bus.Subscribe(events.SignalBitcoin, consumer, func(p any) {
			b := p.(events.BitcoinTransactionUpdated)
			logger.Info("bitcoin transaction updated", zap.String("transaction_id", string(b.TransactionID)), zap.String("status", b.Status))
		}),
	)
}
