package ws

import (
	"errors"
	"testing"
)

func TestDecodeFrameMessage(t *testing.T) {
	typ, frame, err := decodeFrame([]byte(`{"type":"message","content":"hello","reply_to":"abc"}`))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if typ != EventMessage {
		t.Errorf("expected type %q, got %q", EventMessage, typ)
	}
	f, ok := frame.(sendFrame)
	if !ok {
		t.Fatalf("expected sendFrame, got %T", frame)
	}
	if f.Content != "hello" || f.ReplyToID != "abc" {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestDecodeFrameTyping(t *testing.T) {
	typ, frame, err := decodeFrame([]byte(`{"type":"typing","is_typing":true}`))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if typ != EventTyping {
		t.Errorf("expected type %q, got %q", EventTyping, typ)
	}
	f, ok := frame.(typingFrame)
	if !ok {
		t.Fatalf("expected typingFrame, got %T", frame)
	}
	if !f.IsTyping {
		t.Error("expected is_typing=true")
	}
}

func TestDecodeFrameReadReceiptEmptyMessageID(t *testing.T) {
	typ, frame, err := decodeFrame([]byte(`{"type":"read_receipt"}`))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if typ != EventReadReceipt {
		t.Errorf("expected type %q, got %q", EventReadReceipt, typ)
	}
	f, ok := frame.(readReceiptFrame)
	if !ok {
		t.Fatalf("expected readReceiptFrame, got %T", frame)
	}
	if f.MessageID != "" {
		t.Errorf("expected empty message_id, got %q", f.MessageID)
	}
}

func TestDecodeFrameUnknownType(t *testing.T) {
	_, _, err := decodeFrame([]byte(`{"type":"launch_missiles"}`))
	if !errors.Is(err, errUnknownFrame) {
		t.Errorf("expected errUnknownFrame, got %v", err)
	}
}

func TestDecodeFrameMalformedJSON(t *testing.T) {
	_, _, err := decodeFrame([]byte(`{"type":`))
	if err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestDecodeFrameOutboundTypeRejected(t *testing.T) {
	// Clients must not be able to inject server-side event types.
	_, _, err := decodeFrame([]byte(`{"type":"user_joined"}`))
	if !errors.Is(err, errUnknownFrame) {
		t.Errorf("expected errUnknownFrame for outbound type, got %v", err)
	}
}
