package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/omochice/toy-chat-client/internal/api"
	"github.com/omochice/toy-chat-client/internal/auth"
	"github.com/omochice/toy-chat-client/pkg/protocol"
)

func init() {
	loginCmd.Flags().StringVar(&flagPassword, "password", "", "password (prompted when omitted)")
	historyCmd.Flags().IntVar(&flagOlder, "older", 0, "also load this many older pages")
	contactsCmd.Flags().BoolVar(&flagChats, "chats", false, "list chats instead of contacts")

	rootCmd.AddCommand(loginCmd, logoutCmd, registerCmd, passwdCmd, whoamiCmd, profileCmd, contactsCmd, searchCmd, historyCmd, sendCmd, chatCmd)
}

var (
	flagPassword string
	flagOlder    int
	flagChats    bool
)

var loginCmd = &cobra.Command{
	Use:   "login <username|email>",
	Short: "Log in and save the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close(nil)

		password := flagPassword
		if password == "" {
			if password, err = readPassword(cmd.OutOrStdout(), "password: "); err != nil {
				return err
			}
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		token, err := api.New(e.cfg.APIURL, nil, nil).Login(ctx, args[0], password)
		if err != nil {
			return err
		}
		if err := auth.NewSession(e.store).Login(token); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		claims, err := auth.ParseClaims(token)
		if err != nil {
			fmt.Fprintln(out, "logged in")
			return nil
		}
		fmt.Fprintf(out, "logged in as user %s", claims.UserID)
		if claims.ExpiresAt != nil {
			fmt.Fprintf(out, " until %s", claims.ExpiresAt.Local().Format(time.DateTime))
		}
		fmt.Fprintln(out)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved session token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close(nil)

		if err := auth.NewSession(e.store).Logout(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in account",
	Args:  cobra.NoArgs,
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

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		p, err := a.API().Profile(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) <%s> id=%s\n", p.Username, p.Fullname, p.Email, p.ID)
		return nil
	},
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts with their latest message",
	Args:  cobra.NoArgs,
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

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()

		if flagChats {
			chats, err := a.API().Chats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "ID\tUSER\tLAST\tDATE")
			for _, c := range chats {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Username, preview(c.LastMessage), formatDate(c.Date.Time))
			}
			return nil
		}

		contacts, err := a.API().Contacts(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "ID\tUSER\tUNREAD\tLAST")
		for _, c := range contacts {
			last := ""
			if c.LastMessage != nil {
				last = preview(c.LastMessage.Content)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.UserID, c.Username, c.UnreadCount, last)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find users by name",
	Args:  cobra.MinimumNArgs(1),
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

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		users, err := a.API().SearchUsers(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", u.ID, u.Username, u.Fullname)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <peer>",
	Short: "Print the conversation with a peer",
	Args:  cobra.ExactArgs(1),
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

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		conv, err := a.OpenConversation(ctx, protocol.ID(args[0]))
		defer conv.Close()
		if err != nil {
			if len(conv.Messages()) == 0 {
				return err
			}
			e.log.Warn().Err(err).Msg("showing cached history")
		}

		for i := 0; i < flagOlder && conv.HasMore(); i++ {
			if _, err := conv.LoadOlder(ctx); err != nil {
				return err
			}
		}

		self := selfID(a.Session())
		for _, m := range conv.Sorted() {
			printMessage(cmd.OutOrStdout(), m, self)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> <text>",
	Short: "Send one message over the REST endpoint",
	Args:  cobra.MinimumNArgs(2),
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

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		content := strings.Join(args[1:], " ")
		if strings.TrimSpace(content) == "" {
			return errors.New("empty message")
		}
		return a.API().SendMessage(ctx, protocol.ID(args[0]), content)
	},
}

// stdin is shared so that consecutive prompts on a pipe see every line.
var stdin = bufio.NewReader(os.Stdin)

func readPassword(out io.Writer, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(out, prompt)
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	line, err := stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// selfID is the user id carried by the session token, if any.
func selfID(s *auth.Session) protocol.ID {
	token, ok := s.Token()
	if !ok {
		return ""
	}
	claims, err := auth.ParseClaims(token)
	if err != nil {
		return ""
	}
	return claims.UserID
}

func printMessage(w io.Writer, m protocol.Message, self protocol.ID) {
	from := string(m.FromUserID)
	if self != "" && m.FromUserID == self {
		from = "you"
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", formatDate(m.Date), from, m.Content)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "--:--"
	}
	t = t.Local()
	y, m, d := t.Date()
	if ny, nm, nd := time.Now().Date(); ny == y && nm == m && nd == d {
		return t.Format("15:04")
	}
	return t.Format("2006-01-02 15:04")
}

func preview(s string) string {
	const width = 40
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) > width {
		return string(r[:width-1]) + "…"
	}
	return string(r)
}
