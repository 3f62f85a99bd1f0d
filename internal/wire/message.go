// Package wire defines the single on-the-wire record exchanged between the
// coordinator and its participants, and its binary codec.
package wire

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// Type is one of the six legal message kinds.
type Type string

const (
	Prepare    Type = "PREPARE"
	VoteCommit Type = "VOTECOMMIT"
	VoteAbort  Type = "VOTEABORT"
	CommitSuc  Type = "COMMIT_SUC"
	CommitFail Type = "COMMIT_FAIL"
	Ack        Type = "ACK"
)

// Message is the sole wire record. Content is opaque payload; Sources is an
// ordered list and must round-trip in exact order.
type Message struct {
	Type     Type     `codec:"type"`
	FileName string   `codec:"fileName"`
	Content  []byte   `codec:"content"`
	Sources  []string `codec:"sources"`
}

var msgpackHandle codec.MsgpackHandle

// Encode serializes a Message to its binary wire form.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &msgpackHandle)
	if err := enc.Encode(&m); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a Message from its binary wire form. It returns an error for
// any malformed input; callers must treat a decode fault as message loss.
func Decode(b []byte) (Message, error) {
	var m Message
	dec := codec.NewDecoder(bytes.NewReader(b), &msgpackHandle)
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("wire: decode: %w", err)
	}
	return m, nil
}

// Reply constructs the standard reply to req: same fileName, content and
// sources, with a different type. This mirrors UserNode.java's replyBack,
// which always echoes the request's payload back unchanged.
func Reply(req Message, t Type) Message {
	return Message{
		Type:     t,
		FileName: req.FileName,
		Content:  req.Content,
		Sources:  req.Sources,
	}
}
