// pyxis-gs is the ground-station console: it watches the telemetry
// downlink and can send authenticated commands up to the flight
// computer.
//
//	pyxis-gs -listen :9100
//	pyxis-gs -dest 10.0.0.2:9101 -token 42 -send arm
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pyxis-fc/internal/telemetry"
)

func main() {
	var (
		listen   string
		dest     string
		send     string
		token    uint64
		interval time.Duration
	)
	flag.StringVar(&listen, "listen", ":9100", "UDP address to receive telemetry on")
	flag.StringVar(&dest, "dest", "", "flight computer uplink address (for -send)")
	flag.StringVar(&send, "send", "", "command to send: arm, disarm or abort")
	flag.Uint64Var(&token, "token", 0, "uplink authentication token")
	flag.DurationVar(&interval, "interval", time.Second, "summary print interval")
	flag.Parse()

	if send != "" {
		if err := sendCommand(dest, send, token); err != nil {
			log.Fatalf("send failed: %v", err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := watch(ctx, listen, interval); err != nil && ctx.Err() == nil {
		log.Fatalf("watch failed: %v", err)
	}
}

func sendCommand(dest, name string, token uint64) error {
	cmd, err := parseCommand(name)
	if err != nil {
		return err
	}
	conn, err := net.Dial("udp", dest)
	if err != nil {
		return err
	}
	defer conn.Close()

	var enc telemetry.Encoder
	frame := enc.Encode(telemetry.EncodeCommand(telemetry.CommandMsg{
		Command: cmd,
		Token:   token,
	}))
	if _, err := conn.Write(frame); err != nil {
		return err
	}
	log.Printf("sent %s to %s", name, dest)
	return nil
}

func watch(ctx context.Context, listen string, interval time.Duration) error {
	pc, err := net.ListenPacket("udp", listen)
	if err != nil {
		return err
	}
	defer pc.Close()
	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	log.Printf("listening on %s", pc.LocalAddr())

	var mon monitor
	lastSummary := time.Now()
	buf := make([]byte, 2048)
	for {
		_ = pc.SetReadDeadline(time.Now().Add(interval))
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				return err
			}
		}
		now := time.Now()
		if n > 0 {
			for _, line := range mon.handle(buf[:n], now) {
				log.Print(line)
			}
		}
		if now.Sub(lastSummary) >= interval {
			log.Print(mon.summary(now))
			lastSummary = now
		}
	}
}
