package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeInboundParsesTypeAndData(t *testing.T) {
	raw := []byte(`{"type":"move","data":{"gameId":"g1","move":"e4"}}`)
	env, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if env.Type != MsgMove {
		t.Errorf("Type = %q, want %q", env.Type, MsgMove)
	}

	var data MoveData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal move data: %v", err)
	}
	if data.GameID != "g1" || data.Move != "e4" {
		t.Errorf("unexpected move data: %+v", data)
	}
}

func TestDecodeInboundRejectsMalformedJSON(t *testing.T) {
	if _, err := DecodeInbound([]byte(`not json`)); err == nil {
		t.Fatal("expected an error decoding malformed JSON")
	}
}

func TestOKAndFailShapeTheResponseEnvelope(t *testing.T) {
	ok := OK(map[string]int{"x": 1})
	if !ok.Success || ok.Message != "" {
		t.Errorf("OK() should be success with no message, got %+v", ok)
	}
	fail := Fail("bad request")
	if fail.Success || fail.Message != "bad request" {
		t.Errorf("Fail() should carry the message and success=false, got %+v", fail)
	}
}
