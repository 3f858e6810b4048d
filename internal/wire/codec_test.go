package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &Request{
		Op:        "borrow",
		RequestID: "req-1",
		Token:     "tok",
		Data:      []byte(`{"book_id":"b1"}`),
	}
	if err := WriteRequest(&buf, in); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	out, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if out.Op != in.Op || out.RequestID != in.RequestID || out.Token != in.Token {
		t.Fatalf("envelope mismatch: %+v", out)
	}
	if !bytes.Equal(out.Data, in.Data) {
		t.Fatalf("data mismatch: %s", out.Data)
	}
}

func TestResponseErr(t *testing.T) {
	ok := &Response{Status: StatusOK}
	if err := ok.Err(); err != nil {
		t.Fatalf("ok response produced error: %v", err)
	}

	failed := &Response{
		Status: StatusError,
		Error:  &ErrorDetail{Kind: "not_found", Message: "no such book"},
	}
	err := failed.Err()
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Kind != "not_found" {
		t.Fatalf("kind = %q", pe.Kind)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("short")

	_, err := ReadFrame(&buf)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadFrameOversized(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	buf.Write(header[:])

	if _, err := ReadFrame(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	if _, err := ReadFrame(buf); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestReadFrameCleanClose(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on closed peer, got %v", err)
	}
}

func TestReadRequestMissingOp(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte(`{"request_id":"r1"}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRequest(&buf); err == nil {
		t.Fatal("request without op accepted")
	}
}

func TestWriteFrameRejectsOversized(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	if err := WriteFrame(io.Discard, payload); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestPipelinedFrames(t *testing.T) {
	var buf bytes.Buffer
	for _, op := range []string{"book_list", "borrow", "logout"} {
		if err := WriteRequest(&buf, &Request{Op: op}); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"book_list", "borrow", "logout"} {
		req, err := ReadRequest(&buf)
		if err != nil {
			t.Fatalf("ReadRequest: %v", err)
		}
		if req.Op != want {
			t.Fatalf("op = %q, want %q", req.Op, want)
		}
	}
}
