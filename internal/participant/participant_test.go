package participant

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/s-wangru/Failure-Resilience-2PC/internal/ptlog"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/telemetry"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/transport"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/wire"
)

type fakeTransport struct {
	sent []struct {
		addr string
		msg  wire.Message
	}
}

func (f *fakeTransport) Send(addr string, body []byte) {
	msg, err := wire.Decode(body)
	if err != nil {
		return
	}
	f.sent = append(f.sent, struct {
		addr string
		msg  wire.Message
	}{addr, msg})
}

func (f *fakeTransport) Receive(ctx context.Context) (transport.Inbound, error) {
	<-ctx.Done()
	return transport.Inbound{}, ctx.Err()
}

func newTestParticipant(t *testing.T, approve Approver) (*Participant, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := New(Config{
		ID:        "1",
		WorkDir:   dir,
		LogPath:   filepath.Join(dir, "log_1.txt"),
		Transport: &fakeTransport{},
		Approve:   approve,
		Logger:    hclog.NewNullLogger(),
		Metrics:   telemetry.NewMetrics("test"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, dir
}

func writeSource(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
}

func TestPrepareApprovedVotesCommitAndLocks(t *testing.T) {
	p, dir := newTestParticipant(t, func(content []byte, sources []string) bool { return true })
	writeSource(t, dir, "a1")

	tr := p.transport.(*fakeTransport)
	p.handle("coord", wire.Message{Type: wire.Prepare, FileName: "out.jpg", Sources: []string{"a1"}})

	if len(tr.sent) != 1 || tr.sent[0].msg.Type != wire.VoteCommit {
		t.Fatalf("expected VOTECOMMIT, got %+v", tr.sent)
	}
	if _, locked := p.lockSet["a1"]; !locked {
		t.Fatal("expected a1 to be locked")
	}
}

func TestPrepareMissingFileVotesAbort(t *testing.T) {
	p, _ := newTestParticipant(t, func(content []byte, sources []string) bool { return true })
	tr := p.transport.(*fakeTransport)

	p.handle("coord", wire.Message{Type: wire.Prepare, FileName: "out.jpg", Sources: []string{"missing"}})

	if len(tr.sent) != 1 || tr.sent[0].msg.Type != wire.VoteAbort {
		t.Fatalf("expected VOTEABORT, got %+v", tr.sent)
	}
}

func TestPrepareRejectedByOracleVotesAbort(t *testing.T) {
	p, dir := newTestParticipant(t, func(content []byte, sources []string) bool { return false })
	writeSource(t, dir, "a1")
	tr := p.transport.(*fakeTransport)

	p.handle("coord", wire.Message{Type: wire.Prepare, FileName: "out.jpg", Sources: []string{"a1"}})

	if len(tr.sent) != 1 || tr.sent[0].msg.Type != wire.VoteAbort {
		t.Fatalf("expected VOTEABORT, got %+v", tr.sent)
	}
	if _, locked := p.lockSet["a1"]; locked {
		t.Fatal("a1 should not be locked after a rejected vote")
	}
}

func TestPrepareLockConflictVotesAbort(t *testing.T) {
	p, dir := newTestParticipant(t, func(content []byte, sources []string) bool { return true })
	writeSource(t, dir, "a1")
	p.lockSet["a1"] = struct{}{}
	tr := p.transport.(*fakeTransport)

	p.handle("coord", wire.Message{Type: wire.Prepare, FileName: "out.jpg", Sources: []string{"a1"}})

	if len(tr.sent) != 1 || tr.sent[0].msg.Type != wire.VoteAbort {
		t.Fatalf("expected VOTEABORT on lock conflict, got %+v", tr.sent)
	}
}

func TestCommitSucDeletesSourcesAndAcks(t *testing.T) {
	p, dir := newTestParticipant(t, func(content []byte, sources []string) bool { return true })
	writeSource(t, dir, "a1")
	p.lockSet["a1"] = struct{}{}
	tr := p.transport.(*fakeTransport)

	p.handle("coord", wire.Message{Type: wire.CommitSuc, FileName: "out.jpg", Sources: []string{"a1"}})

	if len(tr.sent) != 1 || tr.sent[0].msg.Type != wire.Ack {
		t.Fatalf("expected ACK, got %+v", tr.sent)
	}
	if _, err := os.Stat(filepath.Join(dir, "a1")); !os.IsNotExist(err) {
		t.Fatal("expected a1 to be deleted")
	}
	if _, locked := p.lockSet["a1"]; locked {
		t.Fatal("expected lock released")
	}
}

func TestCommitSucIsIdempotentOnRedelivery(t *testing.T) {
	p, dir := newTestParticipant(t, func(content []byte, sources []string) bool { return true })
	writeSource(t, dir, "a1")
	p.lockSet["a1"] = struct{}{}
	tr := p.transport.(*fakeTransport)

	p.handle("coord", wire.Message{Type: wire.CommitSuc, FileName: "out.jpg", Sources: []string{"a1"}})
	p.handle("coord", wire.Message{Type: wire.CommitSuc, FileName: "out.jpg", Sources: []string{"a1"}})

	if len(tr.sent) != 2 {
		t.Fatalf("expected two ACKs, one per delivery, got %d", len(tr.sent))
	}
	for _, s := range tr.sent {
		if s.msg.Type != wire.Ack {
			t.Fatalf("expected only ACKs, got %+v", s)
		}
	}
}

func TestCommitFailReleasesLockWithoutDeleting(t *testing.T) {
	p, dir := newTestParticipant(t, func(content []byte, sources []string) bool { return true })
	writeSource(t, dir, "a1")
	p.lockSet["a1"] = struct{}{}
	tr := p.transport.(*fakeTransport)

	p.handle("coord", wire.Message{Type: wire.CommitFail, FileName: "out.jpg", Sources: []string{"a1"}})

	if len(tr.sent) != 1 || tr.sent[0].msg.Type != wire.Ack {
		t.Fatalf("expected ACK, got %+v", tr.sent)
	}
	if _, err := os.Stat(filepath.Join(dir, "a1")); err != nil {
		t.Fatal("a1 should still exist after abort")
	}
	if _, locked := p.lockSet["a1"]; locked {
		t.Fatal("expected lock released")
	}
}

func TestRecoverRestoresLockOnUncertainAgree(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "log_1.txt")
	l, err := ptlog.Open(logPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Append(ptlog.Record{Decision: ptlog.Agree, FileName: "out.jpg", Sources: []string{"a1"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	l.Close()

	p, err := New(Config{
		ID:        "1",
		WorkDir:   dir,
		LogPath:   logPath,
		Transport: &fakeTransport{},
		Approve:   func([]byte, []string) bool { return true },
		Logger:    hclog.NewNullLogger(),
		Metrics:   telemetry.NewMetrics("test"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if _, locked := p.lockSet["a1"]; !locked {
		t.Fatal("expected a1 to remain locked after recovering an uncertain Agree")
	}
}

func TestRecoverReplaysUnfinishedCommit(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "log_1.txt")
	writeSource(t, dir, "a1")
	l, err := ptlog.Open(logPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Append(ptlog.Record{Decision: ptlog.Commit, FileName: "out.jpg", Sources: []string{"a1"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	l.Close()

	p, err := New(Config{
		ID:        "1",
		WorkDir:   dir,
		LogPath:   logPath,
		Transport: &fakeTransport{},
		Approve:   func([]byte, []string) bool { return true },
		Logger:    hclog.NewNullLogger(),
		Metrics:   telemetry.NewMetrics("test"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a1")); !os.IsNotExist(err) {
		t.Fatal("expected a1 to be deleted by recovery replay")
	}
}
