// Package participant implements a remote process holding candidate source
// files: it validates and votes on PREPARE, applies the coordinator's
// decision, and recovers its lock set from its durable log after a crash.
package participant

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/s-wangru/Failure-Resilience-2PC/internal/ptlog"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/telemetry"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/transport"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/wire"
)

// Transport is the subset of the substrate a participant needs.
type Transport interface {
	Send(addr string, body []byte)
	Receive(ctx context.Context) (transport.Inbound, error)
}

// Approver is the user-approval oracle: given the collage bytes and the
// requested source filenames, it returns whether to vote commit.
type Approver func(content []byte, sources []string) bool

// Config bundles the participant's constructor arguments.
type Config struct {
	ID        string
	WorkDir   string
	LogPath   string
	Transport Transport
	Approve   Approver
	Logger    hclog.Logger
	Metrics   *telemetry.Metrics
}

// Participant is a single remote process's local state: its lock set and
// its durable log. Each reply goes to the sender of the inbound message.
type Participant struct {
	id        string
	workDir   string
	transport Transport
	approve   Approver
	logger    hclog.Logger
	metrics   *telemetry.Metrics
	log       *ptlog.Log

	mu      sync.Mutex
	lockSet map[string]struct{}
}

// New opens the participant's durable log and constructs a Participant
// ready for Recover then Run.
func New(cfg Config) (*Participant, error) {
	log, err := ptlog.Open(cfg.LogPath)
	if err != nil {
		return nil, err
	}
	return &Participant{
		id:        cfg.ID,
		workDir:   cfg.WorkDir,
		transport: cfg.Transport,
		approve:   cfg.Approve,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		log:       log,
		lockSet:   make(map[string]struct{}),
	}, nil
}

// Recover scans the durable log and restores lock-set state for any
// transaction left uncertain by a crash, replays terminal decisions that
// never reached Finish, then truncates the log.
func (p *Participant) Recover() error {
	records, err := p.log.ReadAll()
	if err != nil {
		return err
	}

	// Only the last record per fileName before a terminal Finish matters.
	last := make(map[string]ptlog.Record)
	for _, rec := range records {
		last[rec.FileName] = rec
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for fileName, rec := range last {
		switch rec.Decision {
		case ptlog.Agree:
			for _, src := range rec.Sources {
				p.lockSet[src] = struct{}{}
			}
			p.logger.Info("recovered uncertain transaction, awaiting decision", "file_name", fileName)
		case ptlog.Commit:
			p.applyCommit(rec.Sources)
			if err := p.log.Append(ptlog.Record{Decision: ptlog.Finish, FileName: fileName, Sources: rec.Sources}); err != nil {
				p.fatal("append recovery finish (commit)", err)
			}
		case ptlog.Abort:
			p.applyAbort(rec.Sources)
			if err := p.log.Append(ptlog.Record{Decision: ptlog.Finish, FileName: fileName, Sources: rec.Sources}); err != nil {
				p.fatal("append recovery finish (abort)", err)
			}
		case ptlog.Finish, ptlog.Reject:
			// nothing to do
		}
	}

	return p.log.Truncate()
}

// Run is the participant's single-threaded main loop: messages are handled
// in arrival order, one at a time.
func (p *Participant) Run(ctx context.Context) error {
	for {
		in, err := p.transport.Receive(ctx)
		if err != nil {
			return err
		}
		msg, err := wire.Decode(in.Body)
		if err != nil {
			p.logger.Warn("dropping malformed message", "from", in.From, "error", err)
			continue
		}
		p.handle(in.From, msg)
	}
}

func (p *Participant) handle(from string, msg wire.Message) {
	switch msg.Type {
	case wire.Prepare:
		p.handlePrepare(from, msg)
	case wire.CommitSuc:
		p.handleCommitSuc(from, msg)
	case wire.CommitFail:
		p.handleCommitFail(from, msg)
	default:
		p.logger.Debug("ignoring unexpected message type", "type", msg.Type, "from", from)
	}
}

func (p *Participant) handlePrepare(from string, msg wire.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hasConflict(msg.Sources) {
		p.reject(from, msg)
		return
	}

	if !p.approve(msg.Content, msg.Sources) {
		p.reject(from, msg)
		return
	}

	for _, src := range msg.Sources {
		p.lockSet[src] = struct{}{}
	}
	if err := p.log.Append(ptlog.Record{Decision: ptlog.Agree, FileName: msg.FileName, Sources: msg.Sources}); err != nil {
		p.fatal("append agree", err)
	}
	p.metrics.IncrCounter([]string{"participant", "vote", "commit"}, 1)
	p.reply(from, wire.Reply(msg, wire.VoteCommit))
}

func (p *Participant) hasConflict(sources []string) bool {
	for _, src := range sources {
		if _, locked := p.lockSet[src]; locked {
			return true
		}
		if _, err := os.Stat(filepath.Join(p.workDir, src)); err != nil {
			return true
		}
	}
	return false
}

func (p *Participant) reject(from string, msg wire.Message) {
	if err := p.log.Append(ptlog.Record{Decision: ptlog.Reject, FileName: msg.FileName, Sources: msg.Sources}); err != nil {
		p.fatal("append reject", err)
	}
	p.metrics.IncrCounter([]string{"participant", "vote", "abort"}, 1)
	p.reply(from, wire.Reply(msg, wire.VoteAbort))
}

func (p *Participant) handleCommitSuc(from string, msg wire.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.log.Append(ptlog.Record{Decision: ptlog.Commit, FileName: msg.FileName, Sources: msg.Sources}); err != nil {
		p.fatal("append commit", err)
	}
	p.applyCommit(msg.Sources)
	p.reply(from, wire.Reply(msg, wire.Ack))
	if err := p.log.Append(ptlog.Record{Decision: ptlog.Finish, FileName: msg.FileName, Sources: msg.Sources}); err != nil {
		p.fatal("append finish", err)
	}
}

func (p *Participant) handleCommitFail(from string, msg wire.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.log.Append(ptlog.Record{Decision: ptlog.Abort, FileName: msg.FileName, Sources: msg.Sources}); err != nil {
		p.fatal("append abort", err)
	}
	p.applyAbort(msg.Sources)
	p.reply(from, wire.Reply(msg, wire.Ack))
	if err := p.log.Append(ptlog.Record{Decision: ptlog.Finish, FileName: msg.FileName, Sources: msg.Sources}); err != nil {
		p.fatal("append finish", err)
	}
}

// applyCommit deletes every source (best-effort, idempotent) and releases
// its lock. Both a missing file and an absent lock entry are harmless
// no-ops, which is what makes redelivery of COMMIT_SUC safe.
func (p *Participant) applyCommit(sources []string) {
	for _, src := range sources {
		if err := os.Remove(filepath.Join(p.workDir, src)); err != nil && !os.IsNotExist(err) {
			p.logger.Debug("delete failed, tolerated", "source", src, "error", err)
		}
		delete(p.lockSet, src)
	}
}

func (p *Participant) applyAbort(sources []string) {
	for _, src := range sources {
		delete(p.lockSet, src)
	}
}

func (p *Participant) reply(to string, msg wire.Message) {
	body, err := wire.Encode(msg)
	if err != nil {
		p.logger.Error("encode reply failed", "to", to, "error", err)
		return
	}
	p.transport.Send(to, body)
}

// fatal reflects a log-write failure being fatal to the process: the log
// is the sole source of recovery truth.
func (p *Participant) fatal(action string, err error) {
	p.logger.Error("fatal log write failure, exiting", "action", action, "error", err)
	os.Exit(1)
}

// Close releases the underlying log file handle.
func (p *Participant) Close() error {
	return p.log.Close()
}
