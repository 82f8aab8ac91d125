package workerproc

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestServeReturnsOKForSuccessfulJob(t *testing.T) {
	in := encodeRequests(t, Request{Ident: "a", Content: []byte(`{"kind":"ftp"}`)})
	var out bytes.Buffer

	if err := Serve(&in, &out, func(content []byte) error { return nil }); err != nil {
		t.Fatalf("serve: %v", err)
	}

	resp := decodeResponse(t, out.Bytes())
	if resp.Outcome != OutcomeOK {
		t.Fatalf("expected ok, got %q", resp.Outcome)
	}
	if resp.Ident != "a" {
		t.Fatalf("expected ident echoed back, got %q", resp.Ident)
	}
}

func TestServeReturnsErrorForFailedJob(t *testing.T) {
	in := encodeRequests(t, Request{Ident: "b", Content: []byte(`{}`)})
	var out bytes.Buffer

	if err := Serve(&in, &out, func(content []byte) error { return errors.New("boom") }); err != nil {
		t.Fatalf("serve: %v", err)
	}

	resp := decodeResponse(t, out.Bytes())
	if resp.Outcome != OutcomeError {
		t.Fatalf("expected error, got %q", resp.Outcome)
	}
	if resp.Message != "boom" {
		t.Fatalf("expected message propagated, got %q", resp.Message)
	}
}

func TestServeProcessesMultipleRequestsInOrder(t *testing.T) {
	in := encodeRequests(t,
		Request{Ident: "first", Content: []byte(`{}`)},
		Request{Ident: "second", Content: []byte(`{}`)},
	)
	var out bytes.Buffer

	if err := Serve(&in, &out, func(content []byte) error { return nil }); err != nil {
		t.Fatalf("serve: %v", err)
	}

	dec := json.NewDecoder(&out)
	var first, second Response
	if err := dec.Decode(&first); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := dec.Decode(&second); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if first.Ident != "first" || second.Ident != "second" {
		t.Fatalf("expected responses in request order, got %q then %q", first.Ident, second.Ident)
	}
}

func encodeRequests(t *testing.T, reqs ...Request) bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range reqs {
		if err := enc.Encode(r); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	return buf
}

func decodeResponse(t *testing.T, data []byte) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}
