package platform

import (
	"context"
	"net"
	"reflect"
	"testing"
	"time"
)

func TestProbeNetwork_Connected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	n := &ProbeNetwork{Addr: ln.Addr().String()}
	if !n.Connected() {
		t.Error("Connected() = false with listener up")
	}

	down := &ProbeNetwork{Addr: "127.0.0.1:1", ProbeTimeout: 200 * time.Millisecond}
	if down.Connected() {
		t.Error("Connected() = true with nothing listening")
	}
}

func TestProbeNetwork_JoinTimesOut(t *testing.T) {
	n := &ProbeNetwork{Addr: "127.0.0.1:1", ProbeTimeout: 100 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := n.Join(ctx, "field-net", "secret"); err == nil {
		t.Error("Join() error = nil, want deadline error")
	}
}

func TestProbeNetwork_JoinSucceedsWhenReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	n := &ProbeNetwork{Addr: ln.Addr().String()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := n.Join(ctx, "field-net", "secret"); err != nil {
		t.Errorf("Join() error = %v", err)
	}
}

func TestTimerSleeper_Completes(t *testing.T) {
	start := time.Now()
	if err := (TimerSleeper{}).Sleep(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Sleep returned after %v, want >= 20ms", elapsed)
	}
}

func TestTimerSleeper_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := (TimerSleeper{}).Sleep(ctx, 10*time.Second); err != context.Canceled {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
}

func TestParseSSIDs(t *testing.T) {
	out := "field-net\n\nbarn-2g\nfield-net\n  \ngreenhouse\n"
	got := parseSSIDs(out)
	want := []string{"field-net", "barn-2g", "greenhouse"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseSSIDs() = %v, want %v", got, want)
	}
}
