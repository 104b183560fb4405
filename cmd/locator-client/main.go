// Package main is a diagnostic client for the locator's TCP stream: it
// subscribes, prints packets, and summarizes delivery latency.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/viamrobotics/taglocator/server"
)

func main() {
	app := &cli.App{
		Name:  "locator-client",
		Usage: "subscribe to a tag locator and inspect its pose stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Value:   "127.0.0.1:30002",
				Usage:   "locator server to connect to",
			},
			&cli.IntFlag{
				Name:  "count",
				Value: 100,
				Usage: "packets to collect before reporting; 0 runs until interrupted",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "suppress per-packet output",
			},
		},
		Action: watchAction,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func watchAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	address := c.String("address")
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "cannot reach locator at %q", address)
	}

	packets := make(chan server.ObjectLocationPacket)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(packets)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var pkt server.ObjectLocationPacket
			if err := json.Unmarshal(scanner.Bytes(), &pkt); err != nil {
				return errors.Wrap(err, "bad packet on the wire")
			}
			select {
			case packets <- pkt:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return scanner.Err()
	})
	group.Go(func() error {
		// unblocks the scanner on interrupt or when enough was collected
		<-ctx.Done()
		return conn.Close()
	})

	var latencies []float64
	want := c.Int("count")
	for pkt := range packets {
		latencies = append(latencies, time.Since(time.UnixMilli(int64(pkt.Time))).Seconds()*1000)
		if !c.Bool("quiet") {
			fmt.Fprintf(c.App.Writer, "%d %q t=(%.4f, %.4f, %.4f) rq=(%.4f, %.4f, %.4f, %.4f)\n",
				pkt.Time, pkt.Name,
				pkt.Transform.T[0], pkt.Transform.T[1], pkt.Transform.T[2],
				pkt.Transform.RQ[0], pkt.Transform.RQ[1], pkt.Transform.RQ[2], pkt.Transform.RQ[3])
		}
		if want > 0 && len(latencies) >= want {
			stop()
		}
	}
	stop()
	if err := group.Wait(); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return report(c.App.Writer, latencies)
}

func report(w io.Writer, latencies []float64) error {
	if len(latencies) == 0 {
		fmt.Fprintln(w, "no packets received")
		return nil
	}
	mean, err := stats.Mean(latencies)
	median, err2 := stats.Median(latencies)
	p95, err3 := stats.Percentile(latencies, 95)
	if err := multierr.Combine(err, err2, err3); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d packets: latency mean %.1fms median %.1fms p95 %.1fms\n",
		len(latencies), mean, median, p95)
	return nil
}
