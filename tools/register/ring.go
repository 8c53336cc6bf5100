package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/client"
	"github.com/TNZtims/bazaar-pos-sub001/client/abandon"
	"github.com/TNZtims/bazaar-pos-sub001/client/projector"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const ringHelp = `commands:
  add <product> <qty>   reserve more of a product
  set <product> <qty>   change a line, 0 removes it
  rm <product>          remove a line
  cart                  show the cart
  avail [product]       show what is available now
  clear                 release everything
  checkout              hand the cart to the sale
  quit                  leave; held lines are released`

// RingOptions holds flags for the ring command.
type RingOptions struct {
	*RootOptions
	BeaconDeadline time.Duration
}

// NewRingCommand runs an interactive cart.
func NewRingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ring",
		Short: "Ring up a cart interactively",
		Long: `Ring up a cart, one command per line on stdin.

Every cart change is written to the intent log. Leaving the session,
closing stdin or interrupting the process releases the held lines without
waiting for the service; anything that did not get through is released the
next time ring or recover starts.

` + ringHelp,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRing(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&opts.BeaconDeadline, "beacon-deadline", 2*time.Second, "how long a teardown release may take")
	return cmd
}

type ringSession struct {
	cart     *client.Cart
	proj     *projector.Projector
	detector *abandon.Detector
	out      io.Writer
}

func runRing(ctx context.Context, opts *RingOptions, in io.Reader, out io.Writer) error {
	c, log, err := opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer log.Close()

	beacon := client.NewBeacon(c, 0, opts.BeaconDeadline)
	defer beacon.Close()

	proj := projector.New(c.ActorID())
	cart := client.NewCart(c, client.WithCheckpointer(log), client.WithProjector(proj))
	detector := abandon.NewDetector(abandon.Config{
		StoreID:  c.StoreID(),
		ActorID:  c.ActorID(),
		Cart:     cart,
		Log:      log,
		Beacon:   beacon,
		Releaser: c,
		Logger:   opts.logger,
	})

	if n, err := detector.Recover(ctx); err != nil {
		opts.logger.Warn("Leftover holds not released yet", zap.Error(err))
	} else if n > 0 {
		fmt.Fprintf(out, "released %d line(s) left by an earlier session\n", n)
	}
	if list, err := c.Products(ctx); err == nil {
		proj.Reconcile(list)
	}

	s := &ringSession{cart: cart, proj: proj, detector: detector, out: out}
	exit := detector.NotifyOnExit(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintln(out, ringHelp)
	for {
		select {
		case <-ctx.Done():
			detector.Signal(abandon.ReasonExit)
			return nil
		case sig := <-exit:
			opts.logger.Info("Register interrupted", zap.String("signal", sig.String()))
			return nil
		case line, ok := <-lines:
			if !ok {
				detector.Signal(abandon.ReasonExit)
				return nil
			}
			if done := s.handle(ctx, line); done {
				return nil
			}
		}
	}
}

// handle runs one command and reports whether the session is over.
func (s *ringSession) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	switch fields[0] {
	case "add", "set":
		qty, err := quantityArg(arg(2))
		if err != nil || arg(1) == "" {
			fmt.Fprintf(s.out, "usage: %s <product> <qty>\n", fields[0])
			return false
		}
		var res *models.ReservationResult
		if fields[0] == "add" {
			res, err = s.cart.Add(ctx, arg(1), qty)
		} else {
			res, err = s.cart.SetQuantity(ctx, arg(1), qty)
		}
		if err != nil {
			s.reject(err)
			return false
		}
		if res != nil {
			printResult(s.out, res)
		}
	case "rm":
		if err := s.cart.Remove(ctx, arg(1)); err != nil {
			s.reject(err)
		}
	case "cart":
		for _, l := range s.cart.Lines() {
			fmt.Fprintf(s.out, "  %-20s x%d\n", l.ProductID, l.Quantity)
		}
	case "avail":
		if id := arg(1); id != "" {
			n, ok := s.proj.Available(id)
			if !ok {
				fmt.Fprintf(s.out, "%s: unknown\n", id)
				return false
			}
			fmt.Fprintf(s.out, "%s: %d\n", id, n)
			return false
		}
		for id, n := range s.proj.Snapshot() {
			fmt.Fprintf(s.out, "  %-20s %d\n", id, n)
		}
	case "clear":
		s.cart.Clear(ctx)
		fmt.Fprintln(s.out, "cart cleared")
	case "checkout":
		s.cart.CompleteCheckout(ctx)
		fmt.Fprintln(s.out, "sale handed over")
	case "quit", "exit":
		s.detector.Signal(abandon.ReasonExit)
		return true
	case "help":
		fmt.Fprintln(s.out, ringHelp)
	default:
		fmt.Fprintf(s.out, "unknown command %q\n", fields[0])
	}
	return false
}

func (s *ringSession) reject(err error) {
	if n, ok := client.Remaining(err); ok {
		fmt.Fprintf(s.out, "rejected: only %d remaining\n", n)
		return
	}
	fmt.Fprintf(s.out, "rejected: %v\n", err)
}
