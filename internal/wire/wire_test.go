package wire

import (
	"bytes"
	"testing"
)

func TestLengthEncodedIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 250, 251, 65535, 65536, 1<<24 - 1, 1 << 24, 1 << 40}
	for _, n := range cases {
		buf := PutLengthEncodedInt(nil, n)
		got, isNull, consumed, ok := ReadLengthEncodedInt(buf)
		if !ok || isNull {
			t.Fatalf("n=%d: decode failed, ok=%v isNull=%v", n, ok, isNull)
		}
		if got != n {
			t.Errorf("n=%d: got %d", n, got)
		}
		if consumed != len(buf) {
			t.Errorf("n=%d: consumed %d, want %d", n, consumed, len(buf))
		}
	}
}

func TestLengthEncodedStringRoundTrip(t *testing.T) {
	s := []byte("hello world")
	buf := PutLengthEncodedString(nil, s)
	got, n, isNull, ok := ReadLengthEncodedString(buf)
	if !ok || isNull {
		t.Fatalf("decode failed")
	}
	if !bytes.Equal(got, s) {
		t.Errorf("got %q want %q", got, s)
	}
	if n != len(buf) {
		t.Errorf("consumed %d want %d", n, len(buf))
	}
}

func TestReaderSingleMaximalPacketTerminatedByEmpty(t *testing.T) {
	// One packet of exactly MaxPacketSize followed by a 0-length packet
	// forms one logical message (the boundary behavior in §8).
	payload := make([]byte, MaxPacketSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WritePacket(payload); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	got, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Payload) != MaxPacketSize {
		t.Errorf("got length %d want %d", len(got.Payload), MaxPacketSize)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload mismatch")
	}
}

func TestReaderShortPacketBelowMaxIsOneMessage(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WritePacket([]byte("SELECT 1")); err != nil {
		t.Fatal(err)
	}
	r := NewReader(&buf)
	got, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != "SELECT 1" {
		t.Errorf("got %q", got.Payload)
	}
}

func TestDecodeOKWithSessionTrack(t *testing.T) {
	caps := uint32(ClientProtocol41 | ClientSessionTrack)

	var sysvar []byte
	sysvar = PutLengthEncodedString(sysvar, []byte("autocommit"))
	sysvar = PutLengthEncodedString(sysvar, []byte("OFF"))

	var blob []byte
	blob = append(blob, byte(StateChangeSystemVariable))
	blob = PutLengthEncodedString(blob, sysvar)

	payload := WriteOK(1, 2, ServerSessionStateChanged, 0, caps)
	payload = PutLengthEncodedString(payload, nil) // info string, empty
	payload = PutLengthEncodedString(payload, blob)

	ok, err := DecodeOK(payload, caps)
	if err != nil {
		t.Fatal(err)
	}
	if ok.AffectedRows != 1 || ok.LastInsertID != 2 {
		t.Errorf("got affected=%d insert_id=%d", ok.AffectedRows, ok.LastInsertID)
	}
	if len(ok.SessionTrack) != 1 {
		t.Fatalf("got %d session-track entries", len(ok.SessionTrack))
	}
	sc := ok.SessionTrack[0]
	if sc.Kind != StateChangeSystemVariable || sc.Key != "autocommit" || sc.Value != "OFF" {
		t.Errorf("got %+v", sc)
	}
}

func TestDecodeErr(t *testing.T) {
	caps := uint32(ClientProtocol41)
	payload := WriteErr(1045, "28000", "Access denied", caps)
	e, err := DecodeErr(payload, caps)
	if err != nil {
		t.Fatal(err)
	}
	if e.Code != 1045 || e.SQLState != "28000" || e.Message != "Access denied" {
		t.Errorf("got %+v", e)
	}
	if !(Err{SQLState: "08S01"}).IsConnectionFatal() {
		t.Errorf("expected 08xxx to be connection-fatal")
	}
}

func TestExtractStatementIDAndNewParamsBound(t *testing.T) {
	payload := make([]byte, 1+4+1+4+1+4) // cmd + id + flags + iters + 1 param bitmap byte + room
	payload[0] = byte(ComStmtExecute)
	PutStatementID(payload, 42)
	id, err := ExtractStatementID(payload)
	if err != nil || id != 42 {
		t.Fatalf("got id=%d err=%v", id, err)
	}

	off := NewParamsBoundOffset(1)
	payload[off] = 1
	bound, err := HasNewParamsBound(payload, 1)
	if err != nil || !bound {
		t.Fatalf("got bound=%v err=%v", bound, err)
	}
}

func TestPrepareOKEncodeDecodeRoundTrip(t *testing.T) {
	want := PrepareOK{StatementID: 7, NumColumns: 2, NumParams: 1, Warnings: 0}
	got, err := DecodePrepareOK(EncodePrepareOK(want))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestExternalIDMostRecentSentinel(t *testing.T) {
	if ExternalIDMostRecent != 0xFFFFFFFF {
		t.Errorf("sentinel changed value")
	}
}

func TestInitialHandshakeEncodeDecodeRoundTrip(t *testing.T) {
	scramble := []byte("abcdefghijklmnopqrst")
	out := EncodeInitialHandshake(InitialHandshakeParams{
		ServerVersion:  "8.0.31-sqlrelay",
		ThreadID:       7,
		AuthPluginData: scramble,
		Capabilities:   DefaultClientCapabilities,
		Charset:        0x21,
		StatusFlags:    2,
		AuthPluginName: "mysql_native_password",
	})

	hs, err := DecodeInitialHandshake(out)
	if err != nil {
		t.Fatal(err)
	}
	if hs.ServerVersion != "8.0.31-sqlrelay" || hs.ThreadID != 7 {
		t.Fatalf("got %+v", hs)
	}
	if hs.Capabilities != DefaultClientCapabilities {
		t.Fatalf("got caps %#x want %#x", hs.Capabilities, DefaultClientCapabilities)
	}
	if hs.AuthPluginName != "mysql_native_password" {
		t.Fatalf("got auth plugin %q", hs.AuthPluginName)
	}
	if !bytes.Equal(hs.AuthPluginData, scramble) {
		t.Fatalf("got scramble %q want %q", hs.AuthPluginData, scramble)
	}
}

func TestHandshakeResponseEncodeDecodeRoundTrip(t *testing.T) {
	out := EncodeHandshakeResponse(HandshakeResponseParams{
		ClientCapabilities: DefaultClientCapabilities,
		ServerCapabilities: DefaultClientCapabilities,
		MaxPacketSize:      16 * 1024 * 1024,
		Charset:            0x21,
		User:               "app",
		AuthResponse:       []byte("somescramblebytes"),
		Database:           "orders",
		AuthPluginName:     "mysql_native_password",
		ConnectAttrs:       map[string]string{"_client_name": "sqlrelay"},
	})

	resp, err := DecodeHandshakeResponse(out)
	if err != nil {
		t.Fatal(err)
	}
	if resp.User != "app" || resp.Database != "orders" {
		t.Fatalf("got %+v", resp)
	}
	if !bytes.Equal(resp.AuthResponse, []byte("somescramblebytes")) {
		t.Fatalf("got auth response %q", resp.AuthResponse)
	}
	if resp.AuthPluginName != "mysql_native_password" {
		t.Fatalf("got auth plugin %q", resp.AuthPluginName)
	}
	if resp.ConnectAttrs["_client_name"] != "sqlrelay" {
		t.Fatalf("got connect attrs %+v", resp.ConnectAttrs)
	}
}

func TestColumnDefinitionEncodeDecodeRoundTrip(t *testing.T) {
	col := ColumnDefinition{
		Catalog:      "def",
		Schema:       "orders",
		Table:        "items",
		OrgTable:     "items",
		Name:         "id",
		OrgName:      "id",
		Charset:      33,
		ColumnLength: 11,
		Type:         3,
		Flags:        0x8003,
		Decimals:     0,
	}
	got, err := DecodeColumnDefinition(EncodeColumnDefinition(col))
	if err != nil {
		t.Fatal(err)
	}
	if got != col {
		t.Fatalf("got %+v want %+v", got, col)
	}
}

func TestDecodeHandshakeResponseRejectsPre41(t *testing.T) {
	payload := make([]byte, 40)
	if _, err := DecodeHandshakeResponse(payload); err == nil {
		t.Fatal("expected an error for a response without ClientProtocol41")
	}
}
