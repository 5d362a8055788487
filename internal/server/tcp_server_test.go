package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/parser"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/pkg/protocol"
)

func startEmulator(t *testing.T, meter *MeterData) *TCPServer {
	t.Helper()
	srv := NewTCPServer(Config{}, meter, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func roundTrip(t *testing.T, addr string, req []byte, n int) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := make([]byte, n)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestEmulatorAnswersSettings(t *testing.T) {
	meter := NewMeterData(time.Date(2026, 10, 18, 12, 30, 0, 0, time.UTC))
	srv := startEmulator(t, meter)

	p := parser.NewParser()
	req := protocol.Assemble(1, protocol.CmdReadSettings, []byte{0})
	resp := roundTrip(t, srv.Addr().String(), req, p.ExpectedLength(protocol.CmdReadSettings, 0))

	records, err := p.Parse(protocol.CmdReadSettings, resp, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rec := records[0]
	if rec[protocol.FieldSerial] != "123456" || rec[protocol.FieldYear] != int64(2026) || rec[protocol.FieldMin] != int64(30) {
		t.Fatalf("unexpected settings %v", rec)
	}

	reqs := meter.Requests()
	if len(reqs) != 1 || reqs[0].Cmd != protocol.CmdReadSettings {
		t.Fatalf("requests = %+v", reqs)
	}
}

func TestEmulatorMonthPagesWrap(t *testing.T) {
	meter := NewMeterData(time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC))
	meter.Months[49] = ArchiveRecord{Q: 10, Written: 1}
	meter.Months[0] = ArchiveRecord{Q: 20, Written: 2}
	srv := startEmulator(t, meter)

	p := parser.NewParser()
	req := protocol.Assemble(1, protocol.CmdReadMonthArch, []byte{3, 49, 0, 3})
	resp := roundTrip(t, srv.Addr().String(), req, p.ExpectedLength(protocol.CmdReadMonthArch, 3))
	records, err := p.Parse(protocol.CmdReadMonthArch, resp, 3)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if records[0][protocol.FieldQ] != int64(10) || records[1][protocol.FieldQ] != int64(20) || records[2][protocol.FieldArchive] != int64(0) {
		t.Fatalf("unexpected pages %v", records)
	}
}

func TestEmulatorIgnoresOtherAddress(t *testing.T) {
	meter := NewMeterData(time.Now())
	srv := startEmulator(t, meter)

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.Write(protocol.Assemble(7, protocol.CmdReadCurrent, []byte{0}))
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 8)
	if n, _ := conn.Read(buf); n != 0 {
		t.Fatalf("foreign address answered % x", buf[:n])
	}
}
