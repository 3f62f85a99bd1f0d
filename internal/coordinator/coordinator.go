// Package coordinator wires together the durable log, the transaction
// registry, the transport, and the recovery driver into the single
// process-wide value everything else is threaded through. The transaction
// registry's mutex-protected map is the same shape as a cross-transaction
// file-key lock table, repurposed here for fingerprint ownership tracking.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"

	"github.com/s-wangru/Failure-Resilience-2PC/internal/coordlog"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/telemetry"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/transport"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/txn"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/wire"
)

// Transport is the subset of the substrate the coordinator needs: outbound
// send plus a blocking, context-aware receive.
type Transport interface {
	txn.Sender
	Receive(ctx context.Context) (transport.Inbound, error)
}

// Coordinator is the single process-wide context: the durable log, the
// transaction registry, the transport, the monotonic transID counter, and
// the observability handles. No package-level mutable state exists outside
// this value.
type Coordinator struct {
	log       *coordlog.Log
	transport Transport
	config    txn.Config
	logger    hclog.Logger
	metrics   *telemetry.Metrics
	workDir   string

	mu       sync.Mutex
	registry map[string]*txn.Transaction

	nextTransID uint64

	recentDecisions *lru.Cache
}

// Config bundles the coordinator's constructor arguments.
type Config struct {
	LogPath   string
	WorkDir   string
	Transport Transport
	Logger    hclog.Logger
	Metrics   *telemetry.Metrics
	TxnConfig txn.Config
}

// New opens the durable log and constructs a Coordinator ready for Recover
// then Run.
func New(cfg Config) (*Coordinator, error) {
	log, err := coordlog.Open(cfg.LogPath)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open log: %w", err)
	}
	cache, err := lru.New(256)
	if err != nil {
		return nil, fmt.Errorf("coordinator: new lru: %w", err)
	}
	return &Coordinator{
		log:             log,
		transport:       cfg.Transport,
		config:          cfg.TxnConfig,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		workDir:         cfg.WorkDir,
		registry:        make(map[string]*txn.Transaction),
		recentDecisions: cache,
	}, nil
}

// Recover replays the durable log and drives every recovered transaction to
// a terminal state synchronously, one at a time, then truncates the log.
// The dispatcher loop (Run) must already be running by the time Recover is
// called, since a recovered transaction's retransmitted decision still
// needs its ACK routed back to it; callers must instead hold off on new
// submissions (StartCommit, the stdin loop) until Recover returns.
func (c *Coordinator) Recover() error {
	records, err := c.log.ReadAll()
	if err != nil {
		return fmt.Errorf("coordinator: recovery read: %w", err)
	}

	type pending struct {
		record coordlog.Record
	}
	toAbort := make(map[uint64]pending)
	toCommit := make(map[uint64]pending)

	for _, rec := range records {
		switch rec.Decision {
		case coordlog.Prepare:
			toAbort[rec.TransID] = pending{record: rec}
		case coordlog.Commit:
			delete(toAbort, rec.TransID)
			toCommit[rec.TransID] = pending{record: rec}
		case coordlog.Abort:
			if _, ok := toAbort[rec.TransID]; !ok {
				toAbort[rec.TransID] = pending{record: rec}
			}
		case coordlog.Finished:
			delete(toAbort, rec.TransID)
			delete(toCommit, rec.TransID)
		}
	}

	for transID, p := range toCommit {
		c.logger.Info("recovering committed transaction", "trans_id", transID, "file_name", p.record.FileName)
		c.runRecovered(txn.RecoverCommit, p.record)
	}
	for transID, p := range toAbort {
		c.logger.Info("recovering aborted transaction", "trans_id", transID, "file_name", p.record.FileName)
		c.runRecovered(txn.RecoverAbort, p.record)
	}

	return c.log.Truncate()
}

func (c *Coordinator) runRecovered(kind txn.Kind, rec coordlog.Record) {
	tx := txn.New(kind, rec.FileName, rec.TransID, nil, rec.Order, rec.Participants, c.deps())
	c.register(tx)
	tx.Run() // synchronous: recovery must complete before new work is accepted
}

// StartCommit begins a fresh transaction for a new submission. It returns
// promptly; the protocol runs asynchronously in a spawned goroutine.
func (c *Coordinator) StartCommit(fileName string, content []byte, sources []string) error {
	c.mu.Lock()
	if _, exists := c.registry[fileName]; exists {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: %q already has a live transaction", fileName)
	}
	c.mu.Unlock()

	order, participants, err := groupSources(sources)
	if err != nil {
		return err
	}
	transID := atomic.AddUint64(&c.nextTransID, 1)

	tx := txn.New(txn.NEWC, fileName, transID, content, order, participants, c.deps())
	c.register(tx)
	go tx.Run()
	return nil
}

// groupSources parses "addr:filename" tuples into a first-seen-order
// address slice plus a map from address to its ordered file list, matching
// duplicates by grouping into the same key. Each tuple is split at its last
// colon, so addr may itself be a host:port address.
func groupSources(sources []string) ([]string, map[string][]string, error) {
	order := []string{}
	m := make(map[string][]string)
	for _, s := range sources {
		idx := strings.LastIndexByte(s, ':')
		if idx < 0 {
			return nil, nil, fmt.Errorf("coordinator: malformed source tuple %q, want addr:filename", s)
		}
		addr, file := s[:idx], s[idx+1:]
		if _, seen := m[addr]; !seen {
			order = append(order, addr)
		}
		m[addr] = append(m[addr], file)
	}
	return order, m, nil
}

func (c *Coordinator) register(tx *txn.Transaction) {
	c.mu.Lock()
	c.registry[tx.FileName()] = tx
	c.mu.Unlock()
}

func (c *Coordinator) deregister(fileName string) {
	c.mu.Lock()
	delete(c.registry, fileName)
	c.mu.Unlock()
	c.recentDecisions.Add(fileName, struct{}{})
}

func (c *Coordinator) deps() txn.Deps {
	return txn.Deps{
		Sender:     c.transport,
		Log:        c.log,
		Config:     c.config,
		Logger:     c.logger,
		Metrics:    c.metrics,
		WorkDir:    c.workDir,
		OnFinished: c.deregister,
	}
}

// Run is the single dispatcher receive loop: it pulls messages off the
// transport and places each into the inbox of the transaction owning its
// fingerprint. A message whose fingerprint has no live transaction is
// discarded at debug level, the expected steady state for a retransmitted
// decision arriving after the transaction has already finished.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		in, err := c.transport.Receive(ctx)
		if err != nil {
			return err
		}
		msg, err := wire.Decode(in.Body)
		if err != nil {
			c.logger.Warn("dropping malformed message", "from", in.From, "error", err)
			continue
		}
		c.mu.Lock()
		tx, ok := c.registry[msg.FileName]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("no live transaction for fingerprint, dropping", "file_name", msg.FileName, "from", in.From)
			continue
		}
		tx.Deliver(txn.Delivery{From: in.From, Msg: msg})
	}
}

// RecentDecision reports whether fileName has recently reached Finished,
// purely for operator diagnostics; it never gates a 2PC decision.
func (c *Coordinator) RecentDecision(fileName string) bool {
	return c.recentDecisions.Contains(fileName)
}

// Close releases the durable log's file handle.
func (c *Coordinator) Close() error {
	return c.log.Close()
}
