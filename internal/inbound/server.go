package inbound

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"
)

type Options struct {
	Addr            string
	Hostname        string
	MaxMessageBytes int64
}

func NewServer(backend smtp.Backend, opts Options) *smtp.Server {
	server := smtp.NewServer(backend)
	server.Addr = opts.Addr
	server.Domain = opts.Hostname
	server.MaxMessageBytes = opts.MaxMessageBytes
	server.MaxRecipients = 100
	server.ReadTimeout = 5 * time.Minute
	server.WriteTimeout = 5 * time.Minute
	return server
}

// Serves on the listener until the context is done. In flight sessions
// are given a grace period to finish once we stop accepting.
func Serve(ctx context.Context, server *smtp.Server, l net.Listener) error {
	go func() {
		<-ctx.Done()

		shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdown); err != nil {
			slog.Warn("inbound listener did not shut down cleanly", "err", err)
			server.Close()
		}
	}()

	slog.Info("inbound listener started", "addr", l.Addr().String(), "hostname", server.Domain)
	if err := server.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		return errors.Wrap(err, "inbound listener failed")
	}

	slog.Info("inbound listener stopped")
	return nil
}
