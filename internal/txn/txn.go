// Package txn implements the coordinator's per-transaction state machine:
// one goroutine and one buffered inbox per in-flight fingerprint, driving
// PREPARE, voting, decision, and acknowledgement collection under the two
// bounded timers described in the coordinator design.
package txn

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/s-wangru/Failure-Resilience-2PC/internal/coordlog"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/telemetry"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/wire"
)

// Phase is one of the four coordinator-transaction phases. It only ever
// advances forward: VOTING -> (COMMITTED | ABORTED) -> FINISHED.
type Phase string

const (
	Voting    Phase = "VOTING"
	Committed Phase = "COMMITTED"
	Aborted   Phase = "ABORTED"
	Finished  Phase = "FINISHED"
)

// Kind selects one of the three constructor flavors. NEWC is the only kind
// that broadcasts PREPARE; RecoverCommit and RecoverAbort are recovery-only
// and simply resume retransmission of an already-logged decision.
type Kind int

const (
	NEWC Kind = iota
	RecoverCommit
	RecoverAbort
)

// Delivery is one inbound message tagged with its sender's logical address.
type Delivery struct {
	From string
	Msg  wire.Message
}

// Sender is the minimal outbound capability a transaction needs. It is
// satisfied by *transport.Transport; message bytes are already encoded by
// the caller of Send.
type Sender interface {
	Send(addr string, body []byte)
}

// Config carries the two tunable timeout windows.
type Config struct {
	VotingWindow     time.Duration
	RetransmitWindow time.Duration
}

// DefaultConfig matches the original's TIMEOUT_THRESHOLD of three seconds
// for both windows.
func DefaultConfig() Config {
	return Config{VotingWindow: 3 * time.Second, RetransmitWindow: 3 * time.Second}
}

// Deps bundles everything a transaction needs from the outside world: the
// substrate, the durable log, the artifact directory, and observability
// handles. OnFinished deregisters the transaction from the coordinator's
// registry once it reaches Finished.
type Deps struct {
	Sender     Sender
	Log        *coordlog.Log
	Config     Config
	Logger     hclog.Logger
	Metrics    *telemetry.Metrics
	WorkDir    string
	OnFinished func(fileName string)
}

// Transaction is one in-flight (or recovering) 2PC run owned by the
// coordinator. All mutable fields below are touched only by the goroutine
// running Run; the inbox channel is the sole synchronization point with the
// dispatcher.
type Transaction struct {
	deps Deps

	kind         Kind
	fileName     string
	transID      uint64
	content      []byte
	order        []string
	participants map[string][]string

	phase       Phase
	pendingAcks map[string]struct{}

	inbox chan Delivery
}

// New constructs a transaction. For NEWC, content/order/participants come
// from a fresh submission and transID has just been allocated. For the two
// recovery kinds, all fields are reconstructed from a durable log record.
func New(kind Kind, fileName string, transID uint64, content []byte, order []string, participants map[string][]string, deps Deps) *Transaction {
	return &Transaction{
		deps:         deps,
		kind:         kind,
		fileName:     fileName,
		transID:      transID,
		content:      content,
		order:        order,
		participants: participants,
		phase:        Voting,
		pendingAcks:  make(map[string]struct{}),
		inbox:        make(chan Delivery, 64),
	}
}

// FileName reports the transaction's fingerprint, used by the dispatcher to
// route inbound messages.
func (t *Transaction) FileName() string { return t.fileName }

// Deliver hands an inbound message to the transaction. It never blocks the
// dispatcher: if the inbox is saturated the message is dropped, which is
// safe because the protocol already tolerates message loss.
func (t *Transaction) Deliver(d Delivery) {
	select {
	case t.inbox <- d:
	default:
		t.deps.Logger.Debug("inbox full, dropping delivery", "file_name", t.fileName, "from", d.From)
	}
}

// Run drives the transaction to completion. StartCommit invokes it as
// `go tx.Run()` for NEWC; the recovery driver calls it synchronously for
// the two recovery kinds.
func (t *Transaction) Run() {
	switch t.kind {
	case NEWC:
		t.start()
	case RecoverCommit:
		t.phase = Committed
		t.commit()
	case RecoverAbort:
		t.phase = Aborted
		t.abort()
	}
}

func (t *Transaction) start() {
	if len(t.participants) == 0 {
		// Zero-sources submission: commit immediately, no PREPARE, no
		// `prepare` log record.
		t.phase = Committed
		t.commit()
		return
	}

	t.broadcast(wire.Prepare, t.content)
	if err := t.deps.Log.Append(coordlog.Record{
		TransID:      t.transID,
		Decision:     coordlog.Prepare,
		FileName:     t.fileName,
		Order:        t.order,
		Participants: t.participants,
	}); err != nil {
		t.fatal("append prepare record", err)
	}
	t.deps.Metrics.IncrCounter([]string{"coordinator", "prepare", "sent"}, float32(len(t.participants)))

	t.collectVotes()
}

// collectVotes blocks on the inbox for at most the voting window, exiting
// early on the first VOTEABORT or once every participant has voted commit.
func (t *Transaction) collectVotes() {
	timer := time.NewTimer(t.deps.Config.VotingWindow)
	defer timer.Stop()

	votedCommit := make(map[string]struct{})
	for {
		select {
		case d := <-t.inbox:
			switch d.Msg.Type {
			case wire.VoteCommit:
				votedCommit[d.From] = struct{}{}
				t.deps.Metrics.IncrCounter([]string{"coordinator", "votes", "commit"}, 1)
				if len(votedCommit) == len(t.order) {
					t.phase = Committed
					t.commit()
					return
				}
			case wire.VoteAbort:
				t.deps.Metrics.IncrCounter([]string{"coordinator", "votes", "abort"}, 1)
				t.phase = Aborted
				t.abort()
				return
			default:
				// Anything else this early (a stray ACK from a prior
				// fingerprint reuse, say) is not meaningful yet.
			}
		case <-timer.C:
			t.deps.Logger.Info("voting window elapsed", "file_name", t.fileName, "voted", len(votedCommit), "total", len(t.order))
			t.phase = Aborted
			t.abort()
			return
		}
	}
}

// commit writes the artifact (NEWC only) and durably logs the decision
// before broadcasting it, then collects ACKs.
func (t *Transaction) commit() {
	if t.kind == NEWC {
		if err := t.writeArtifact(); err != nil {
			t.deps.Logger.Error("artifact write failed, aborting instead", "file_name", t.fileName, "error", err)
			t.phase = Aborted
			t.abort()
			return
		}
		if err := t.deps.Log.Append(coordlog.Record{
			TransID:      t.transID,
			Decision:     coordlog.Commit,
			FileName:     t.fileName,
			Order:        t.order,
			Participants: t.participants,
		}); err != nil {
			t.fatal("append commit record", err)
		}
	}

	t.resetPendingAcks()
	t.broadcast(wire.CommitSuc, nil)
	t.deps.Metrics.IncrCounter([]string{"coordinator", "decision", "commit"}, 1)
	t.receiveAcks(wire.CommitSuc)
}

// abort durably logs the abort decision (idempotent to log twice, since the
// log is truncated once every recovered transaction reaches Finished) and
// broadcasts COMMIT_FAIL.
func (t *Transaction) abort() {
	if err := t.deps.Log.Append(coordlog.Record{
		TransID:      t.transID,
		Decision:     coordlog.Abort,
		FileName:     t.fileName,
		Order:        t.order,
		Participants: t.participants,
	}); err != nil {
		t.fatal("append abort record", err)
	}

	t.resetPendingAcks()
	t.broadcast(wire.CommitFail, nil)
	t.deps.Metrics.IncrCounter([]string{"coordinator", "decision", "abort"}, 1)
	t.receiveAcks(wire.CommitFail)
}

func (t *Transaction) resetPendingAcks() {
	t.pendingAcks = make(map[string]struct{}, len(t.order))
	for _, addr := range t.order {
		t.pendingAcks[addr] = struct{}{}
	}
}

// receiveAcks drains the inbox until pendingAcks is empty, retransmitting
// decision to every still-pending address whenever a full retransmission
// window passes without a new ACK.
func (t *Transaction) receiveAcks(decision wire.Type) {
	timer := time.NewTimer(t.deps.Config.RetransmitWindow)
	defer timer.Stop()

	for len(t.pendingAcks) > 0 {
		select {
		case d := <-t.inbox:
			if d.Msg.Type != wire.Ack {
				continue
			}
			if _, pending := t.pendingAcks[d.From]; !pending {
				continue // duplicate ACK, discard
			}
			delete(t.pendingAcks, d.From)
			t.deps.Metrics.IncrCounter([]string{"coordinator", "ack", "received"}, 1)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.deps.Config.RetransmitWindow)
		case <-timer.C:
			if len(t.pendingAcks) > 0 {
				t.deps.Logger.Debug("retransmitting decision", "file_name", t.fileName, "pending", len(t.pendingAcks))
				for addr := range t.pendingAcks {
					t.sendTo(addr, decision, nil)
				}
				t.deps.Metrics.IncrCounter([]string{"coordinator", "retransmit"}, 1)
			}
			timer.Reset(t.deps.Config.RetransmitWindow)
		}
	}

	t.phase = Finished
	if err := t.deps.Log.Append(coordlog.Record{
		TransID:      t.transID,
		Decision:     coordlog.Finished,
		FileName:     t.fileName,
		Order:        t.order,
		Participants: t.participants,
	}); err != nil {
		t.fatal("append finished record", err)
	}
	t.deps.OnFinished(t.fileName)
}

func (t *Transaction) broadcast(typ wire.Type, content []byte) {
	for _, addr := range t.order {
		t.sendTo(addr, typ, content)
	}
}

func (t *Transaction) sendTo(addr string, typ wire.Type, content []byte) {
	msg := wire.Message{
		Type:     typ,
		FileName: t.fileName,
		Content:  content,
		Sources:  t.participants[addr],
	}
	body, err := wire.Encode(msg)
	if err != nil {
		t.deps.Logger.Error("encode failed, dropping outbound message", "file_name", t.fileName, "to", addr, "error", err)
		return
	}
	t.deps.Sender.Send(addr, body)
}

// writeArtifact persists the collage bytes under fileName atomically: write
// to a temp file in the same directory, fsync, then rename over the final
// name, so a crash never leaves a half-written artifact visible.
func (t *Transaction) writeArtifact() error {
	dst := filepath.Join(t.deps.WorkDir, t.fileName)
	if fi, serr := os.Stat(t.deps.WorkDir); serr != nil {
		fmt.Fprintf(os.Stderr, "DIAG workdir=%q stat err=%v transID=%d\n", t.deps.WorkDir, serr, t.transID)
	} else {
		fmt.Fprintf(os.Stderr, "DIAG workdir=%q exists=%v transID=%d\n", t.deps.WorkDir, fi.IsDir(), t.transID)
	}
	tmp, err := os.CreateTemp(t.deps.WorkDir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(t.content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// fatal reflects the design's rule that a log-write failure is fatal to the
// process: the log is the sole source of recovery truth, so continuing
// without durable logging would violate every crash-safety invariant.
func (t *Transaction) fatal(action string, err error) {
	t.deps.Logger.Error("fatal log write failure, exiting", "action", action, "file_name", t.fileName, "error", err)
	os.Exit(1)
}
