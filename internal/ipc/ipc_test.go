package ipc

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/model"
	"go.uber.org/zap"
)

func startServer(t *testing.T) (string, chan model.TrackingRecord, context.CancelFunc) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "ingest.sock")
	srv := NewServer(sock, 2, zap.NewNop())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	out := make(chan model.TrackingRecord, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx, out)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return sock, out, cancel
}

func TestClientServerRoundTrip(t *testing.T) {
	sock, out, _ := startServer(t)
	client := NewClient(sock, time.Second)
	defer client.Close()

	rec := model.TrackingRecord{
		CompanyID:   "42",
		PixelID:     "1",
		IPAddress:   "8.8.8.8",
		QueryString: "sw=1920&sh=1080",
	}
	if err := client.Send(rec); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-out:
		if got.CompanyID != "42" || got.QueryString != "sw=1920&sh=1080" {
			t.Errorf("unexpected record: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record")
	}
}

func TestOrderPreservedWithinConnection(t *testing.T) {
	sock, out, _ := startServer(t)
	client := NewClient(sock, time.Second)
	defer client.Close()

	for i := 0; i < 50; i++ {
		rec := model.TrackingRecord{CompanyID: "42", QueryString: "seq=" + strconv.Itoa(i)}
		if err := client.Send(rec); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}
	for i := 0; i < 50; i++ {
		select {
		case got := <-out:
			if want := "seq=" + strconv.Itoa(i); got.QueryString != want {
				t.Fatalf("record %d out of order: got %q", i, got.QueryString)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out at record %d", i)
		}
	}
}

func TestMalformedLineSkipped(t *testing.T) {
	sock, out, _ := startServer(t)

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("{not json}\n{\"company_id\":\"ok\"}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-out:
		if got.CompanyID != "ok" {
			t.Errorf("got %+v, want the valid record after the malformed line", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid record after malformed line never arrived")
	}
}

func TestSendFailsWhenNoServer(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"), 100*time.Millisecond)
	defer client.Close()
	if err := client.Send(model.TrackingRecord{}); err == nil {
		t.Fatal("expected dial error")
	}
}
