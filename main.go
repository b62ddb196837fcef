package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sagan/qemud/internal/discovery"
	"github.com/sagan/qemud/internal/logging"
	"github.com/sagan/qemud/internal/retry"
	"github.com/sagan/qemud/qemud"
	"github.com/sagan/qemud/transport"
)

// dial is overridden in tests so run can be exercised without a real
// socket.
var dial = func(addr string) (qemud.Transport, error) {
	return transport.DialTCP(addr, 5*time.Second)
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Getenv); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("qemud-bridge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	defaultAddr := strings.TrimSpace(getenv("QEMUD_ADDR"))
	if defaultAddr == "" {
		defaultAddr = "127.0.0.1:5555"
	}
	defaultLevel := strings.TrimSpace(getenv("QEMUD_LOG_LEVEL"))
	defaultFormat := strings.TrimSpace(getenv("QEMUD_LOG_FORMAT"))

	addr := fs.String("addr", defaultAddr, "address of the guest-facing byte pipe to bridge")
	levelFlag := fs.String("log-level", defaultLevel, "debug|info|warn|error")
	formatFlag := fs.String("log-format", defaultFormat, "text|json")
	advertise := fs.Bool("advertise", false, "advertise this bridge over mDNS")
	instance := fs.String("advertise-name", "qemud-bridge", "mDNS instance name when -advertise is set")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level, err := logging.ParseLevel(*levelFlag)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(*formatFlag)
	if err != nil {
		return err
	}
	logger := logging.New(level, format, out)

	conn, err := dialWithRetry(*addr, logger)
	if err != nil {
		return fmt.Errorf("qemud-bridge: %w", err)
	}
	defer closeIfCloser(conn)

	mux := qemud.New(conn)
	mux.SetLogger(logger)
	registerControlSink(mux)

	if err := mux.Init(); err != nil {
		return fmt.Errorf("qemud-bridge: init: %w", err)
	}

	if *advertise {
		if port, perr := portOf(*addr); perr == nil {
			server, aerr := discovery.Advertise(*instance, port, nil)
			if aerr != nil {
				logger.Warn("mDNS advertise failed", logging.Field{Key: "error", Value: aerr.Error()})
			} else {
				defer server.Shutdown()
			}
		} else {
			logger.Warn("cannot advertise, address has no numeric port",
				logging.Field{Key: "addr", Value: *addr})
		}
	}

	return pumpUntilClosed(conn, mux, logger)
}

// dialWithRetry wraps dial in exponential backoff, so a bridge daemon
// started before its guest-side byte pipe is ready recovers on its own
// instead of exiting immediately.
func dialWithRetry(addr string, logger logging.Logger) (qemud.Transport, error) {
	var conn qemud.Transport
	err := retry.Do(retry.Config{MaxElapsedTime: 30 * time.Second}, logger, func() error {
		c, derr := dial(addr)
		if derr != nil {
			return derr
		}
		conn = c
		return nil
	})
	return conn, err
}

// registerControlSink wires a minimal hw-control service that simply
// rebroadcasts whatever a connected client sends, standing in for the
// concrete device logic a real embedder supplies.
func registerControlSink(mux *qemud.Multiplexer) {
	mux.RegisterService("hw-control", 0, func(svc *qemud.Service, channel int) *qemud.Client {
		return mux.NewClient(svc, channel, func(data []byte) {
			svc.Broadcast(data)
		}, nil)
	})
}

// pumpUntilClosed drives the multiplexer from conn until the transport
// reports io.EOF or a hard error.
func pumpUntilClosed(conn qemud.Transport, mux *qemud.Multiplexer, logger logging.Logger) error {
	buf := make([]byte, qemud.MaxSerialPayload+1)
	for {
		n := conn.CanRead()
		if n == 0 {
			// A zero-length Read surfaces io.EOF (or a hard error) once
			// the transport is drained and its peer has gone away.
			if _, err := conn.Read(buf[:0]); err != nil {
				if err == io.EOF {
					return nil
				}
				logger.Error("transport read failed", logging.Field{Key: "error", Value: err.Error()})
				return fmt.Errorf("qemud-bridge: read: %w", err)
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if want := mux.CanRead(); want > 0 && want < n {
			n = want
		}
		if n > len(buf) {
			n = len(buf)
		}
		got, err := conn.Read(buf[:n])
		if got > 0 {
			mux.Pump(buf[:got])
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			logger.Error("transport read failed", logging.Field{Key: "error", Value: err.Error()})
			return fmt.Errorf("qemud-bridge: read: %w", err)
		}
	}
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

func closeIfCloser(t qemud.Transport) {
	if c, ok := t.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
