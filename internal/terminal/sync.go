package terminal

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/transitpay/farecard/internal/ledgerclient"
	"github.com/transitpay/farecard/internal/models"
)

// SyncEngine drains unsynced journal entries to the canonical ledger and
// keeps the heartbeat going. A drain runs in three situations: on the
// periodic timer, immediately after a reconnect, and once at shutdown.
type SyncEngine struct {
	journal *Journal
	client  *ledgerclient.Client
	monitor *Monitor
	clock   Clock

	syncInterval      time.Duration
	heartbeatInterval time.Duration

	// drainMu serialises drains; the reconnect callback, the ticker and the
	// shutdown path may all want one at the same time.
	drainMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewSyncEngine(journal *Journal, client *ledgerclient.Client, monitor *Monitor, syncInterval, heartbeatInterval time.Duration, clock Clock) *SyncEngine {
	if clock == nil {
		clock = SystemClock
	}
	return &SyncEngine{
		journal:           journal,
		client:            client,
		monitor:           monitor,
		clock:             clock,
		syncInterval:      syncInterval,
		heartbeatInterval: heartbeatInterval,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// SyncAll pushes every unsynced journal entry to the server, oldest first.
// Entries that fail stay in the journal for the next drain. Returns how
// many entries were accepted out of how many were pending.
func (s *SyncEngine) SyncAll(ctx context.Context) (synced, total int) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	pending := s.journal.ListUnsynced()
	total = len(pending)
	if total == 0 {
		return 0, 0
	}
	log.Printf("[SYNC] Draining %d pending transaction(s)", total)

	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			break
		}

		req := &models.SyncRequest{
			UID:             entry.AccountID,
			Amount:          entry.Amount,
			BalanceBefore:   decimalPtr(entry.BalanceBefore),
			BalanceAfter:    decimalPtr(entry.BalanceAfter),
			TransactionType: entry.Type,
			TerminalID:      entry.TerminalID,
			Timestamp:       entry.Timestamp.Format(time.RFC3339),
			SyncKey:         entry.ID,
		}

		if err := s.client.SyncTransaction(ctx, req); err != nil {
			log.Printf("[SYNC] Failed to sync entry %s: %v", entry.ID, err)
			if ledgerclient.IsConnectivityError(err) {
				s.monitor.ReportFailure()
				break
			}
			continue
		}

		if err := s.journal.MarkSynced(entry.ID); err != nil {
			log.Printf("[SYNC] Failed to mark entry %s synced: %v", entry.ID, err)
			continue
		}
		synced++
	}

	log.Printf("[SYNC] Drain complete: %d/%d synced, %d still pending", synced, total, s.journal.PendingCount())
	return synced, total
}

// Heartbeat reports the terminal's pending-transaction count to the server.
func (s *SyncEngine) Heartbeat(ctx context.Context) {
	if err := s.client.Heartbeat(ctx, s.journal.PendingCount()); err != nil {
		log.Printf("[HEARTBEAT] Failed: %v", err)
		if ledgerclient.IsConnectivityError(err) {
			s.monitor.ReportFailure()
		}
	}
}

// Run drives the periodic sync and heartbeat timers until Stop or ctx
// cancellation. Drains are skipped while the monitor says OFFLINE; the
// reconnect callback covers the catch-up.
func (s *SyncEngine) Run(ctx context.Context) {
	defer close(s.done)

	syncCh := s.clock.After(s.syncInterval)
	hbCh := s.clock.After(s.heartbeatInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-syncCh:
			syncCh = s.clock.After(s.syncInterval)
			if s.monitor.Online() {
				s.SyncAll(ctx)
			}
		case <-hbCh:
			hbCh = s.clock.After(s.heartbeatInterval)
			if s.monitor.Online() {
				s.Heartbeat(ctx)
			}
		}
	}
}

// Stop signals Run to exit and waits for it.
func (s *SyncEngine) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
