package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antoniostano/parley/internal/pubsub"
	"github.com/antoniostano/parley/internal/rtc"
	"github.com/antoniostano/parley/internal/viz"
	"github.com/antoniostano/parley/internal/voice"
)

// conversation is what the console drives.
type conversation interface {
	viz.Controller
	Voices() voice.Catalog
}

type console struct {
	conv conversation

	outMu sync.Mutex
	out   io.Writer

	local   atomic.Uint64
	remote  atomic.Uint64
	pending sync.WaitGroup

	lastStatus string
}

func newConsole(conv conversation, out io.Writer) *console {
	return &console{conv: conv, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// run reads commands until quit, EOF or ctx ends.
func (c *console) run(ctx context.Context, in io.Reader) error {
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	c.printf("%s\n", styles.help.Render(replHelp))
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if c.handle(ctx, strings.ToLower(fields[0]), fields[1:]) {
				return nil
			}
		}
	}
}

// handle reports whether the console should exit.
func (c *console) handle(ctx context.Context, name string, args []string) bool {
	switch name {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		c.printf("%s\n", replHelp)
	case "status":
		c.printStatus(true)
	case "voices":
		c.printf("%s\n", renderVoices(c.conv.Voices(), c.conv.Snapshot().VoiceIndex))
	case "mute":
		c.conv.SetMuted(true)
	case "unmute":
		c.conv.SetMuted(false)
	case "start", "pause", "resume", "restart", "stop", "next", "prev", "voice":
		c.dispatch(ctx, name, args)
	default:
		c.printf("%s\n", styles.err.Render(fmt.Sprintf("unknown command %q (try help)", name)))
	}
	return false
}

// dispatch runs a lifecycle command in the background.
func (c *console) dispatch(ctx context.Context, name string, args []string) {
	var fn func() error
	switch name {
	case "start":
		fn = func() error { return c.conv.Start(ctx) }
	case "pause":
		fn = c.conv.Pause
	case "resume":
		fn = c.conv.Resume
	case "restart":
		fn = func() error { return c.conv.Restart(ctx) }
	case "stop":
		fn = c.conv.Stop
	case "next":
		fn = func() error { return c.conv.NextVoice(ctx) }
	case "prev":
		fn = func() error { return c.conv.PrevVoice(ctx) }
	case "voice":
		if len(args) != 1 {
			c.printf("%s\n", styles.err.Render("usage: voice <id>"))
			return
		}
		id := args[0]
		fn = func() error { return c.conv.SelectVoiceByID(ctx, id) }
	default:
		return
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		err := fn()
		if err == nil || errors.Is(err, rtc.ErrSuperseded) || errors.Is(err, context.Canceled) {
			return
		}
		c.printf("%s\n", styles.err.Render(name+": "+err.Error()))
	}()
}

// wait blocks until background commands have returned.
func (c *console) wait() {
	c.pending.Wait()
}

// watch prints state changes and failures and tracks the latest levels.
func (c *console) watch(ctx context.Context, bus *pubsub.Bus) error {
	states, unsubState := bus.State.Subscribe(16)
	defer unsubState()
	failures, unsubErrors := bus.Errors.Subscribe(16)
	defer unsubErrors()
	local, unsubLocal := bus.LocalLevel.Subscribe(4)
	defer unsubLocal()
	remote, unsubRemote := bus.RemoteLevel.Subscribe(4)
	defer unsubRemote()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-states:
			if !ok {
				return nil
			}
			c.printStatus(false)
		case f, ok := <-failures:
			if !ok {
				return nil
			}
			msg := styles.err.Render(f.Kind + ": " + f.Message)
			if f.Retryable {
				msg += " " + styles.help.Render("(try restart)")
			}
			c.printf("%s\n", msg)
		case s, ok := <-local:
			if !ok {
				return nil
			}
			c.local.Store(math.Float64bits(s.Level))
		case s, ok := <-remote:
			if !ok {
				return nil
			}
			c.remote.Store(math.Float64bits(s.Level))
		}
	}
}

// printStatus prints the status line; unless forced, an unchanged line is skipped.
func (c *console) printStatus(force bool) {
	snap := c.conv.Snapshot()
	line := renderStatus(snap, time.Now())

	c.outMu.Lock()
	defer c.outMu.Unlock()
	if !force {
		key := fmt.Sprintf("%s|%v|%s|%s", snap.State, snap.Muted, snap.Voice.ID, snap.Error)
		if key == c.lastStatus {
			return
		}
		c.lastStatus = key
	}
	fmt.Fprintln(c.out, line)
	if force {
		fmt.Fprintln(c.out, renderMeter("you", math.Float64frombits(c.local.Load())))
		fmt.Fprintln(c.out, renderMeter("model", math.Float64frombits(c.remote.Load())))
	}
}
