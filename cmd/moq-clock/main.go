// Package main implements moq-clock, a relay client that publishes the
// current time as a broadcast or prints a published clock.
//
//	moq-clock --url 'ws://localhost:4443/anon/' --publish
//	moq-clock --url 'ws://localhost:4443/anon/'
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WadkarNaved15/moq/media"
	"github.com/WadkarNaved15/moq/moq"
	"github.com/WadkarNaved15/moq/pkg/security"
	"github.com/WadkarNaved15/moq/pkg/tlsutil"
	"github.com/WadkarNaved15/moq/session"
)

const appName = "moq-clock"

type options struct {
	url       string
	broadcast string
	track     string
	publish   bool
	latency   time.Duration
	insecure  bool
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "ws://localhost:4443/anon/", "Relay URL, including the token when one is needed")
	flag.StringVar(&opts.broadcast, "broadcast", "clock", "Broadcast name")
	flag.StringVar(&opts.track, "track", "seconds", "Track name")
	flag.BoolVar(&opts.publish, "publish", false, "Publish the clock instead of subscribing")
	flag.DurationVar(&opts.latency, "latency", 500*time.Millisecond, "Subscriber latency budget")
	flag.BoolVar(&opts.insecure, "insecure", false, "Skip TLS certificate verification")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("service", appName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("Clock failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	tlsConfig, err := tlsutil.LoadClient(security.ClientTLSConfig{InsecureSkipVerify: opts.insecure})
	if err != nil {
		return err
	}
	sessOpts := session.Options{Logger: logger, TLSConfig: tlsConfig}

	sess, err := session.Connect(ctx, opts.url, sessOpts)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sess.Close(session.CloseNormal, "done")
	logger.Info("Connected", "url", opts.url)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sess.Done():
			return sess.Closed()
		}
	})

	if opts.publish {
		g.Go(func() error {
			return runPublisher(gctx, sess, opts, logger)
		})
	} else {
		g.Go(func() error {
			return runSubscriber(gctx, sess, opts, logger)
		})
	}
	return g.Wait()
}

func runPublisher(ctx context.Context, sess *session.Session, opts options, logger *slog.Logger) error {
	broadcast := moq.NewBroadcast()
	defer broadcast.Close()
	track := broadcast.CreateTrack(opts.track)

	origin := moq.NewOrigin()
	defer origin.Close()
	origin.Publish(opts.broadcast, broadcast.Consume())
	sess.PublishPrefix("", origin.ConsumePrefix(""))
	logger.Info("Publishing clock", "broadcast", opts.broadcast, "track", opts.track)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	return publishClock(ctx, track, ticker.C, time.Now())
}

func runSubscriber(ctx context.Context, sess *session.Session, opts options, logger *slog.Logger) error {
	announced := sess.ConsumeExact(opts.broadcast)
	defer announced.Close()

	for {
		announce, err := announced.Announced(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for broadcast: %w", err)
		}

		logger.Info("Subscribing", "broadcast", opts.broadcast, "track", opts.track)
		consumer := media.NewTrackConsumer(announce.Broadcast.SubscribeTrack(opts.track), opts.latency)
		err = printClock(ctx, consumer, os.Stdout)
		consumer.Close()
		if err != nil {
			return err
		}
		logger.Info("Broadcast ended, waiting for the next one", "broadcast", opts.broadcast)
	}
}
