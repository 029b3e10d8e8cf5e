package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omochice/toy-chat-client/internal/api"
)

var (
	flagEmail    string
	flagFullname string
	flagUsername string
	flagAvatar   string
)

func init() {
	registerCmd.Flags().StringVar(&flagEmail, "email", "", "email address")
	registerCmd.Flags().StringVar(&flagFullname, "fullname", "", "display name")
	registerCmd.Flags().StringVar(&flagPassword, "password", "", "password (prompted when omitted)")
	_ = registerCmd.MarkFlagRequired("email")

	set := profileSetCmd.Flags()
	set.StringVar(&flagUsername, "username", "", "new username")
	set.StringVar(&flagFullname, "fullname", "", "new display name")
	set.StringVar(&flagEmail, "email", "", "new email address")
	set.StringVar(&flagAvatar, "avatar", "", "new avatar URL")

	profileCmd.AddCommand(profileSetCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account",
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
		if password == "" {
			return errors.New("empty password")
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		r := api.Registration{Username: args[0], Fullname: flagFullname, Email: flagEmail, Password: password}
		if err := api.New(e.cfg.APIURL, nil, nil).Register(ctx, r); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s, run login to start a session\n", r.Username)
		return nil
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the password of the logged-in account",
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

		out := cmd.OutOrStdout()
		oldPassword, err := readPassword(out, "current password: ")
		if err != nil {
			return err
		}
		newPassword, err := readPassword(out, "new password: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword(out, "repeat new password: ")
		if err != nil {
			return err
		}
		if newPassword == "" || newPassword != confirm {
			return errors.New("new passwords do not match")
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		if err := a.API().ChangePassword(ctx, oldPassword, newPassword); err != nil {
			return err
		}
		fmt.Fprintln(out, "password changed")
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or edit the logged-in account's profile",
	Args:  cobra.NoArgs,
	RunE:  whoamiCmd.RunE,
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update profile fields given as flags",
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
		p, changed := applyProfileFlags(cmd, p)
		if !changed {
			return errors.New("nothing to change, pass --username, --fullname, --email or --avatar")
		}
		if err := a.API().UpdateProfile(ctx, p); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) <%s>\n", p.Username, p.Fullname, p.Email)
		return nil
	},
}

// applyProfileFlags overwrites the fields of p whose flags were set on cmd.
func applyProfileFlags(cmd *cobra.Command, p api.Profile) (api.Profile, bool) {
	flags := cmd.Flags()
	changed := false
	for name, field := range map[string]*string{
		"username": &p.Username,
		"fullname": &p.Fullname,
		"email":    &p.Email,
		"avatar":   &p.Avatar,
	} {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			continue
		}
		*field = v
		changed = true
	}
	return p, changed
}
