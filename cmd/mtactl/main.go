package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ksdme/mta/internal/config"
	"github.com/ksdme/mta/internal/core"
	"github.com/ksdme/mta/internal/dkim"
	"github.com/ksdme/mta/internal/models"
	"github.com/ksdme/mta/internal/utils"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type Args struct {
	GenDKIM *struct {
		Bits     int    `arg:"--bits" default:"2048" help:"size of the rsa key"`
		Selector string `arg:"--selector" default:"default" help:"selector the record is published under"`
	} `arg:"subcommand:gen-dkim" help:"generate a dkim key pair and its dns record"`

	Verify *struct {
		Domain string `arg:"positional,required" help:"managed domain to check"`
		IP     string `arg:"--ip" help:"address the records should point at, discovered when left out"`
	} `arg:"subcommand:verify" help:"check the dns records of a domain"`

	Send *struct {
		To      string `arg:"positional,required" help:"recipient address"`
		From    string `arg:"--from,required" help:"sender address on a managed domain"`
		Name    string `arg:"--name" help:"sender display name"`
		Subject string `arg:"--subject" default:"Test message" help:"subject line"`
		Body    string `arg:"--body" help:"html body, read from stdin when left out"`
	} `arg:"subcommand:send" help:"queue a message for delivery"`

	Status *struct {
		ID int64 `arg:"positional,required" help:"id of a queued message"`
	} `arg:"subcommand:status" help:"show the delivery status of a message"`
}

func main() {
	if config.Core.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	var args Args
	if retcode, consumed := utils.ParseArgs(os.Stdout, os.Stderr, "mtactl", os.Args[1:], &args); consumed {
		os.Exit(retcode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, args, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, args Args, stdin io.Reader, stdout io.Writer) error {
	if args.GenDKIM != nil {
		return genDKIM(stdout, args.GenDKIM.Bits, args.GenDKIM.Selector)
	}

	db, err := utils.OpenDB(config.Core.DBURI)
	if err != nil {
		return err
	}
	defer db.Close()

	switch {
	case args.Verify != nil:
		return verifyDomain(ctx, db, stdout, args.Verify.Domain, args.Verify.IP)

	case args.Send != nil:
		body := args.Send.Body
		if body == "" {
			contents, err := io.ReadAll(stdin)
			if err != nil {
				return errors.Wrap(err, "could not read body")
			}
			body = string(contents)
		}

		message := &models.EmailMessage{
			To:        args.Send.To,
			Subject:   args.Send.Subject,
			Body:      body,
			FromEmail: args.Send.From,
			FromName:  args.Send.Name,
		}
		return send(ctx, db, stdout, message)

	case args.Status != nil:
		return status(ctx, db, stdout, args.Status.ID, time.Now())
	}

	return errors.New("a subcommand is required, see --help")
}

func genDKIM(stdout io.Writer, bits int, selector string) error {
	pair, err := dkim.GenerateKeyPair(bits)
	if err != nil {
		return err
	}

	fmt.Fprint(stdout, pair.PrivateKeyPEM)
	fmt.Fprint(stdout, pair.PublicKeyPEM)
	fmt.Fprintf(stdout, "\n%s._domainkey TXT \"%s\"\n", selector, pair.Record)
	return nil
}

func verifyDomain(ctx context.Context, db *bun.DB, stdout io.Writer, name string, ip string) error {
	services, err := core.NewServices(db)
	if err != nil {
		return err
	}

	domain, err := services.Store.FindDomain(ctx, name)
	if err != nil {
		return err
	}

	if ip == "" {
		if ip, err = services.ExpectedIP(ctx); err != nil {
			return errors.Wrap(err, "could not determine server address, pass --ip")
		}
	}

	result, err := services.Verifier.Verify(ctx, services.Store, domain, ip)
	if err != nil {
		return err
	}

	mark := func(valid bool) string {
		if valid {
			return "ok"
		}
		return "FAIL"
	}
	fmt.Fprintf(stdout, "domain  %s (expecting %s)\n", domain.Name, ip)
	fmt.Fprintf(stdout, "spf     %-4s %s\n", mark(result.SPFValid), result.SPFRecord)
	fmt.Fprintf(stdout, "dkim    %-4s %s\n", mark(result.DKIMValid), truncate(result.DKIMRecord, 60))
	fmt.Fprintf(stdout, "dmarc   %-4s %s\n", mark(result.DMARCValid), result.DMARCRecord)
	fmt.Fprintf(stdout, "mx      %-4s %s\n", mark(result.MXValid), result.MXRecord)
	for _, issue := range result.Issues {
		fmt.Fprintf(stdout, "  - %s\n", issue)
	}
	fmt.Fprintf(stdout, "verified %v\n", domain.Verified)
	return nil
}

// Queues a message, only from the domains we can sign for.
func send(ctx context.Context, db *bun.DB, stdout io.Writer, message *models.EmailMessage) error {
	at := strings.LastIndex(message.FromEmail, "@")
	if at < 0 {
		return errors.Errorf("invalid sender address %q", message.FromEmail)
	}
	if _, err := models.FindDomain(ctx, db, message.FromEmail[at+1:]); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return errors.Errorf("sender domain %s is not managed here", message.FromEmail[at+1:])
		}
		return err
	}

	if err := models.EnqueueMessage(ctx, db, message); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "queued message %d\n", message.ID)
	return nil
}

func status(ctx context.Context, db *bun.DB, stdout io.Writer, id int64, now time.Time) error {
	message, err := models.GetMessage(ctx, db, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "message   %d\n", message.ID)
	fmt.Fprintf(stdout, "to        %s\n", message.To)
	fmt.Fprintf(stdout, "status    %s\n", message.Status)
	fmt.Fprintf(stdout, "attempts  %d\n", message.Attempts)
	fmt.Fprintf(stdout, "created   %s\n", utils.Relative(message.CreatedAt, now))
	if message.Status == models.StatusSent {
		fmt.Fprintf(stdout, "sent      %s\n", utils.Relative(message.SentAt, now))
	}
	if !message.Status.Terminal() && !message.NextAttemptAfter.IsZero() {
		fmt.Fprintf(stdout, "next      %s\n", utils.Relative(message.NextAttemptAfter, now))
	}
	if message.LastError != "" {
		fmt.Fprintf(stdout, "error     %s\n", message.LastError)
	}
	return nil
}

func truncate(value string, length int) string {
	if len(value) <= length {
		return value
	}
	return value[:length] + "..."
}
