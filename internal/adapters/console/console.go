// Package console is a line-oriented command loop for driving an office
// client from a terminal.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dkeye/DeskCall/internal/app/orch"
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var (
	ErrQuit         = errors.New("quit")
	ErrUsage        = errors.New("usage")
	ErrUnknownInput = errors.New("unknown command")
)

const help = `commands:
  call <actor>    start a direct call
  accept          accept the incoming call
  reject          reject the incoming call
  hangup          end the direct call, or the desk call if there is none
  join <desk>     join a desk
  leave           leave the current desk
  mute | unmute   toggle the microphone
  status          show call and desk state
  quit`

const pingTimeout = 2 * time.Second

// Pinger measures the round trip to the relay.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

type Console struct {
	o     *orch.Orchestrator
	relay Pinger
	out   io.Writer
}

// New builds a console over o. relay may be nil, in which case status leaves
// out the relay line.
func New(o *orch.Orchestrator, relay Pinger, out io.Writer) *Console {
	return &Console{o: o, relay: relay, out: out}
}

// Run reads commands from in until quit, EOF or ctx ends.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, help)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.Exec(ctx, line)
			switch {
			case errors.Is(err, ErrQuit):
				return nil
			case err != nil:
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

// Exec runs one command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	log.Debug().Str("module", "console").Str("cmd", cmd).Strs("args", args).Msg("exec")

	switch cmd {
	case "call":
		if len(args) != 1 {
			return fmt.Errorf("%w: call <actor>", ErrUsage)
		}
		id, err := c.o.Calls.StartCall(ctx, domain.PeerID(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "calling %s (%s)\n", args[0], id)
	case "accept":
		return c.o.Calls.AcceptIncomingCall(ctx)
	case "reject":
		c.o.Calls.RejectIncomingCall(ctx)
	case "hangup":
		if c.o.Calls.Snapshot().State != domain.CallIdle {
			c.o.Calls.HangUp(ctx, domain.ReasonHangup)
			return nil
		}
		c.o.Desks.Hangup(ctx)
	case "join":
		if len(args) != 1 {
			return fmt.Errorf("%w: join <desk>", ErrUsage)
		}
		return c.o.Desks.Join(ctx, domain.DeskID(args[0]))
	case "leave":
		return c.o.Desks.Leave(ctx, "")
	case "mute", "unmute":
		muted := cmd == "mute"
		return multierr.Combine(c.o.Calls.SetMuted(muted), c.o.Desks.SetMuted(muted))
	case "status":
		c.status(ctx)
	case "help", "?":
		fmt.Fprintln(c.out, help)
	case "quit", "exit":
		return ErrQuit
	default:
		return fmt.Errorf("%w: %q", ErrUnknownInput, cmd)
	}
	return nil
}

func (c *Console) status(ctx context.Context) {
	cs := c.o.Calls.Snapshot()
	fmt.Fprintf(c.out, "call: %s", cs.State)
	if cs.CallID != "" {
		fmt.Fprintf(c.out, " %s with %s (%s, %s)", cs.CallID, cs.PeerID, cs.Role, cs.Status)
	}
	if cs.Muted {
		fmt.Fprint(c.out, " muted")
	}
	fmt.Fprintln(c.out)

	ds := c.o.Desks.Snapshot()
	fmt.Fprintf(c.out, "desk: %s", ds.Status)
	if ds.DeskID != "" {
		fmt.Fprintf(c.out, " %s, %d present", ds.DeskID, len(ds.Participants))
		if ds.PeerSessionID != "" {
			fmt.Fprintf(c.out, ", paired with %s", ds.PeerSessionID)
		}
	}
	fmt.Fprintln(c.out)

	if c.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	rtt, err := c.relay.Ping(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "relay: unreachable (%v)\n", err)
		return
	}
	fmt.Fprintf(c.out, "relay: rtt %s\n", rtt.Round(time.Millisecond))
}
