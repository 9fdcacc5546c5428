package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/transitpay/farecard/internal/config"
	"github.com/transitpay/farecard/internal/fieldcrypt"
	"github.com/transitpay/farecard/internal/ledgerclient"
	"github.com/transitpay/farecard/internal/terminal"
)

func main() {
	decimal.MarshalJSONWithoutQuotes = true

	cfg := config.LoadTerminal()

	var cipher *fieldcrypt.Cipher
	if cfg.EncryptionPassphrase != "" {
		var err error
		cipher, err = fieldcrypt.New(fieldcrypt.Config{
			Passphrase: cfg.EncryptionPassphrase,
			Salt:       []byte(cfg.EncryptionSalt),
		})
		if err != nil {
			log.Fatalf("Failed to initialize field encryption: %v", err)
		}
	} else {
		log.Println("[TERMINAL] No encryption passphrase configured, journal and cache stored in the clear")
	}

	journal, err := terminal.OpenJournal(cfg.JournalDir, cipher)
	if err != nil {
		log.Fatalf("Failed to open transaction journal: %v", err)
	}
	defer journal.Close()

	cache := terminal.NewBalanceCache(cfg.BalanceFile, cipher, cfg.DefaultBalance)

	client := ledgerclient.New(cfg.ServerURL, cfg.ID, cfg.RequestTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var engine *terminal.SyncEngine
	monitor := terminal.NewMonitor(client, cfg.ProbeInterval, cfg.RequestTimeout, terminal.SystemClock, func() {
		engine.SyncAll(ctx)
		engine.Heartbeat(ctx)
	})
	engine = terminal.NewSyncEngine(journal, client, monitor, cfg.SyncInterval, cfg.HeartbeatInterval, terminal.SystemClock)

	term := terminal.NewTerminal(terminal.Config{
		TerminalID:     cfg.ID,
		Fare:           cfg.Fare,
		OverdraftFloor: cfg.OverdraftFloor,
	}, client, monitor, journal, cache, terminal.SystemClock)

	go monitor.Run(ctx)
	go engine.Run(ctx)

	log.Printf("[TERMINAL] %s starting, fare=%s, server=%s, %d pending transaction(s)",
		cfg.ID, cfg.Fare, cfg.ServerURL, journal.PendingCount())
	if monitor.Probe(ctx) {
		log.Println("[TERMINAL] Initial connectivity check: ONLINE")
	} else {
		log.Println("[TERMINAL] Initial connectivity check: OFFLINE, fares continue against cached balances")
	}

	reader := terminal.NewSimulatedReader(os.Stdin)
	go tapLoop(ctx, term, reader, cancel)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Println("[TERMINAL] Shutting down...")
	cancel()
	monitor.Stop()
	engine.Stop()

	// Last chance to push anything still pending before power-off.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout*4)
	defer drainCancel()
	if synced, total := engine.SyncAll(drainCtx); total > 0 {
		log.Printf("[TERMINAL] Final drain: %d/%d synced", synced, total)
	}

	log.Println("[TERMINAL] Stopped")
}

// tapLoop charges a fare for every card id read until the reader closes.
// "balance <id>" and "topup <id> <amount>" are handled as operator commands.
func tapLoop(ctx context.Context, term *terminal.Terminal, reader terminal.CardReader, cancel context.CancelFunc) {
	for {
		line, err := reader.ReadCardID(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				log.Printf("[TERMINAL] Card reader error: %v", err)
			}
			cancel()
			return
		}

		handleTap(ctx, term, line)
	}
}

func handleTap(ctx context.Context, term *terminal.Terminal, line string) {
	var cmd, cardID, rawAmount string
	if n, _ := fmt.Sscanf(line, "%s %s %s", &cmd, &cardID, &rawAmount); n >= 2 {
		switch cmd {
		case "balance":
			balance, cached, err := term.CheckBalance(ctx, cardID)
			if err != nil {
				log.Printf("[TERMINAL] Balance check failed for %s: %v", cardID, err)
				return
			}
			src := "server"
			if cached {
				src = "cached"
			}
			log.Printf("[TERMINAL] Card %s balance: %s (%s)", cardID, balance, src)
			return
		case "topup":
			amount, err := decimal.NewFromString(rawAmount)
			if err != nil {
				log.Printf("[TERMINAL] Invalid topup amount %q", rawAmount)
				return
			}
			result, err := term.Topup(ctx, cardID, amount)
			if err != nil {
				log.Printf("[TERMINAL] Topup failed for %s: %v", cardID, err)
				return
			}
			logResult("Topup", result)
			return
		}
	}

	result, err := term.ProcessFare(ctx, line)
	if err != nil {
		var insufficient *ledgerclient.InsufficientFundsError
		if errors.As(err, &insufficient) {
			log.Printf("[TERMINAL] Fare DECLINED for %s: insufficient funds (balance %s)", line, insufficient.Balance)
			return
		}
		log.Printf("[TERMINAL] Fare failed for %s: %v", line, err)
		return
	}
	logResult("Fare", result)
}

func logResult(op string, r *terminal.TapResult) {
	mode := "online"
	if r.Offline {
		mode = "OFFLINE, queued for sync"
	}
	log.Printf("[TERMINAL] %s accepted for %s: %s -> %s (%s)", op, r.CardID, r.PriorBalance, r.NewBalance, mode)
}
