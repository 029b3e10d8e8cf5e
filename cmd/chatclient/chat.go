package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/omochice/toy-chat-client/internal/app"
	"github.com/omochice/toy-chat-client/internal/chat"
	"github.com/omochice/toy-chat-client/internal/client"
	"github.com/omochice/toy-chat-client/pkg/protocol"
)

var chatCmd = &cobra.Command{
	Use:   "chat <peer>",
	Short: "Open a live conversation with a peer",
	Long: `Open a live conversation with a peer.

Lines typed are sent over the websocket. /older loads earlier history and
/quit leaves.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		a, err := e.newApp()
		if err != nil {
			e.close(nil)
			return err
		}
		defer e.close(a)

		if _, ok := a.Session().Token(); !ok {
			return errors.New("not logged in, run login first")
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		return runChat(ctx, a, protocol.ID(args[0]))
	},
}

// console is the input side of a chat session.
type console interface {
	ReadLine() (string, error)
	io.Writer
}

// lineConsole reads whole lines from a pipe or file.
type lineConsole struct {
	scanner *bufio.Scanner
	io.Writer
}

func (c *lineConsole) ReadLine() (string, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return c.scanner.Text(), nil
}

// openConsole uses a raw-mode terminal when stdin is a TTY so that every
// keystroke is seen; onKey runs for each of them.
func openConsole(onKey func()) (console, func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return &lineConsole{scanner: bufio.NewScanner(os.Stdin), Writer: os.Stdout}, func() {}, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to enter raw mode: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "> ")
	t.AutoCompleteCallback = func(line string, pos int, key rune) (string, int, bool) {
		if key != '\r' && key != '\n' {
			onKey()
		}
		return "", 0, false
	}
	if w, h, err := term.GetSize(fd); err == nil {
		_ = t.SetSize(w, h)
	}
	return t, func() { _ = term.Restore(fd, state) }, nil
}

func runChat(ctx context.Context, a *app.App, peer protocol.ID) error {
	con, restore, err := openConsole(func() { a.Keystroke(peer) })
	if err != nil {
		return err
	}
	defer restore()

	self := selfID(a.Session())
	out := con

	stopStatus := a.WatchStatus(func(s client.State) {
		fmt.Fprintf(out, "*** %s ***\n", s)
	})
	defer stopStatus()

	if err := a.Start(); err != nil {
		return err
	}

	// watch before Open; frames can arrive while history loads
	conv := a.NewConversation(peer)
	defer conv.Close()

	loaded := false
	stopWatch := conv.Watch(func(ch chat.Change) {
		switch ch.Kind {
		case chat.Appended:
			for _, m := range ch.Messages {
				printMessage(out, m, self)
			}
		case chat.Prepended:
			if loaded {
				fmt.Fprintf(out, "*** %d earlier messages ***\n", len(ch.Messages))
			}
			loaded = true
			for _, m := range ch.Messages {
				printMessage(out, m, self)
			}
		case chat.TypingChanged:
			if ch.PeerTyping {
				fmt.Fprintf(out, "*** %s is typing ***\n", peer)
			}
		}
	})
	defer stopWatch()

	if err := conv.Open(ctx); err != nil {
		fmt.Fprintf(out, "*** history unavailable: %v ***\n", err)
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := con.ReadLine()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			text := strings.TrimSpace(line)
			switch text {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			case "/older":
				if _, err := conv.LoadOlder(ctx); err != nil {
					fmt.Fprintf(out, "*** %v ***\n", err)
				}
				continue
			}
			if !a.IsConnected() {
				fmt.Fprintln(out, "*** not connected, message dropped ***")
			}
			a.SendMessage(text, peer)
		}
	}
}
