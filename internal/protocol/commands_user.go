package protocol

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/jukeboxd/internal/auth"
	"github.com/osa030/jukeboxd/internal/domain/rights"
	"github.com/osa030/jukeboxd/internal/split"
)

// finishLogin installs the authenticated identity on the connection.
func (c *Conn) finishLogin(user string, r rights.Rights) {
	c.who = user
	c.userRights = r
	if c.local() {
		c.userRights |= rights.Local
	} else {
		zlog.Info().Uint32("conn", c.tag).Str("user", user).Str("remote", c.remote).
			Msg("connected")
	}
}

func cmdUser(c *Conn, args []string) bool {
	if c.who != "" {
		c.writef("530 already authenticated\n")
		return true
	}
	name, response := args[0], args[1]
	u, ok := c.srv.DB.GetUser(name)
	if !ok {
		zlog.Warn().Uint32("conn", c.tag).Str("user", name).Str("remote", c.remote).
			Msg("unknown user")
		c.writef("530 authentication failed\n")
		return true
	}
	if u.Confirmation != "" {
		zlog.Warn().Uint32("conn", c.tag).Str("user", name).Msg("unconfirmed user")
		c.writef("530 authentication failed\n")
		return true
	}
	r, err := rights.Parse(u.Rights)
	if err != nil {
		zlog.Error().Err(err).Str("user", name).Msg("error parsing rights")
		c.writef("530 authentication failed\n")
		return true
	}
	// A privileged (local) listener trusts the caller's claim.
	if c.listener.Privileged && c.local() {
		c.finishLogin(name, r)
		c.writef("230 OK\n")
		return true
	}
	if !auth.CheckResponse(c.srv.Cfg.Auth.Algorithm, c.nonce, u.Password, response) {
		zlog.Warn().Uint32("conn", c.tag).Str("user", name).Str("remote", c.remote).
			Msg("authentication failure")
		c.writef("530 authentication failed\n")
		return true
	}
	c.finishLogin(name, r)
	c.writef("230 OK\n")
	return true
}

func cmdCookie(c *Conn, args []string) bool {
	if c.who != "" {
		c.writef("530 already authenticated\n")
		return true
	}
	user, rightsStr, err := c.srv.Jar.Verify(args[0], time.Now())
	if err != nil {
		c.writef("530 authentication failure\n")
		return true
	}
	// The user must still exist; the rights snapshot rides in the cookie.
	if _, ok := c.srv.DB.GetUser(user); !ok {
		c.writef("530 authentication failure\n")
		return true
	}
	r, err := rights.Parse(rightsStr)
	if err != nil {
		c.writef("530 authentication failure\n")
		return true
	}
	c.cookie = args[0]
	c.finishLogin(user, r)
	c.writef("232 %s\n", split.Quote(user))
	return true
}

func cmdMakeCookie(c *Conn, args []string) bool {
	cookie := c.srv.Jar.Make(c.who, (c.userRights &^ rights.Local).String(), time.Now())
	c.writef("252 %s\n", split.Quote(cookie))
	return true
}

func cmdRevoke(c *Conn, args []string) bool {
	if c.cookie == "" {
		c.writef("510 Did not log in with cookie\n")
		return true
	}
	c.srv.Jar.Revoke(c.cookie, time.Now())
	c.writef("250 OK\n")
	return true
}

func cmdAddUser(c *Conn, args []string) bool {
	if !c.remoteUsermanAllowed() {
		zlog.Warn().Uint32("conn", c.tag).Msg("remote adduser")
		c.writef("510 Remote user management is disabled\n")
		return true
	}
	rightsStr := c.srv.Cfg.Auth.DefaultRights
	if len(args) > 2 {
		if _, err := rights.Parse(args[2]); err != nil {
			c.writef("550 Invalid rights list\n")
			return true
		}
		rightsStr = args[2]
	}
	if err := c.srv.DB.AddUser(args[0], args[1], rightsStr, "", ""); err != nil {
		c.writef("550 Cannot create user\n")
		return true
	}
	c.srv.Bus.Publish("user_add", args[0])
	c.writef("250 User created\n")
	return true
}

func cmdDelUser(c *Conn, args []string) bool {
	if !c.remoteUsermanAllowed() {
		zlog.Warn().Uint32("conn", c.tag).Msg("remote deluser")
		c.writef("510 Remote user management is disabled\n")
		return true
	}
	if err := c.srv.DB.DelUser(args[0]); err != nil {
		c.writef("550 Cannot delete user\n")
		return true
	}
	c.srv.RevokeUserConnections(args[0])
	c.srv.Bus.Publish("user_delete", args[0])
	c.writef("250 User deleted\n")
	return true
}

func cmdEditUser(c *Conn, args []string) bool {
	if !c.remoteUsermanAllowed() {
		zlog.Warn().Uint32("conn", c.tag).Msg("remote edituser")
		c.writef("510 Remote user management is disabled\n")
		return true
	}
	user, key, value := args[0], args[1], args[2]
	// Admin can change anything; otherwise only your own email/password.
	allowed := c.userRights.Has(rights.Admin) ||
		(c.who == user && (key == "email" || key == "password"))
	if !allowed {
		zlog.Warn().Str("who", c.who).Msg("attempted edituser but lacks required rights")
		c.writef("510 Restricted to administrators\n")
		return true
	}
	if err := c.srv.DB.EditUser(user, key, value); err != nil {
		c.writef("550 Failed to change setting\n")
		return true
	}
	switch key {
	case "password":
		// Force re-authentication everywhere after a password change.
		c.srv.RevokeUserConnections(user)
	case "rights":
		if r, err := rights.Parse(value); err == nil {
			c.srv.UpdateUserRights(user, r)
		}
	}
	c.srv.Bus.Publish("user_edit", user, key)
	c.writef("250 OK\n")
	return true
}

func cmdUserInfo(c *Conn, args []string) bool {
	user, key := args[0], args[1]
	// Rights may be queried remotely so clients can discover what they
	// are allowed to do; everything else is gated like user management.
	if key != "rights" && !c.remoteUsermanAllowed() {
		zlog.Warn().Uint32("conn", c.tag).Msg("remote userinfo")
		c.writef("510 Remote user management is disabled\n")
		return true
	}
	allowed := c.userRights.Has(rights.Admin) ||
		(c.who == user && (key == "email" || key == "rights"))
	if !allowed {
		zlog.Warn().Str("who", c.who).Msg("attempted userinfo but lacks required rights")
		c.writef("510 Restricted to administrators\n")
		return true
	}
	value, set, exists := c.srv.DB.UserInfo(user, key)
	switch {
	case !exists:
		c.writef("550 No such user\n")
	case !set:
		c.writef("555 Not set\n")
	default:
		c.writef("252 %s\n", split.Quote(value))
	}
	return true
}

func cmdUsers(c *Conn, args []string) bool {
	c.writeList("User list follows", c.srv.DB.ListUsers())
	return true
}

func cmdRegister(c *Conn, args []string) bool {
	user, password, email := args[0], args[1], args[2]
	// The whole confirmation string is user/token; confirm picks the
	// username back out of it.
	confirmation := user + "/" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := c.srv.DB.AddUser(user, password, c.srv.Cfg.Auth.DefaultRights, email, confirmation); err != nil {
		c.writef("550 Cannot create user\n")
		return true
	}
	c.srv.Bus.Publish("user_add", user)
	c.writef("252 %s\n", split.Quote(confirmation))
	return true
}

func cmdConfirm(c *Conn, args []string) bool {
	sep := strings.LastIndexByte(args[0], '/')
	if sep < 0 {
		c.writef("550 Malformed confirmation string\n")
		return true
	}
	user := args[0][:sep]
	if err := c.srv.DB.Confirm(user, args[0]); err != nil {
		c.writef("510 Incorrect confirmation string\n")
		return true
	}
	u, ok := c.srv.DB.GetUser(user)
	if !ok {
		c.writef("530 authentication failure\n")
		return true
	}
	r, err := rights.Parse(u.Rights)
	if err != nil {
		c.writef("530 authentication failure\n")
		return true
	}
	c.srv.Bus.Publish("user_confirm", user)
	c.finishLogin(user, r)
	c.writef("232 %s\n", split.Quote(user))
	return true
}

func cmdReminder(c *Conn, args []string) bool {
	sender := c.srv.Cfg.Mail.Sender
	if sender == "" {
		zlog.Error().Msg("cannot send password reminders because mail.sender is not set")
		c.writef("550 Cannot send a reminder email\n")
		return true
	}
	u, ok := c.srv.DB.GetUser(args[0])
	if !ok || u.Email == "" || !strings.Contains(u.Email, "@") || u.Password == "" {
		zlog.Error().Str("user", args[0]).Msg("cannot send a password reminder")
		c.writef("550 Cannot send a reminder email\n")
		return true
	}
	// Rate-limit reminders; the map is bounded by the number of users.
	now := time.Now()
	if last, ok := c.srv.lastReminder[u.Name]; ok &&
		now.Sub(last) < c.srv.Cfg.Auth.ReminderIntervalDuration() {
		zlog.Error().Str("user", u.Name).Msg("sent a password reminder too recently")
		c.writef("550 Cannot send a reminder email\n")
		return true
	}

	msg := fmt.Sprintf("From: %s\nTo: %s\nSubject: Jukebox password reminder\n\n"+
		"Someone requested that you be sent a reminder of your jukebox password.\n"+
		"Your password is:\n\n  %s\n",
		sender, u.Email, u.Password)
	cmd := exec.Command(c.srv.Cfg.Mail.Sendmail, "-t")
	cmd.Stdin = strings.NewReader(msg)
	if err := cmd.Start(); err != nil {
		zlog.Error().Err(err).Msg("cannot start sendmail")
		c.writef("550 Cannot send a reminder email\n")
		return true
	}
	c.srv.lastReminder[u.Name] = now
	zlog.Info().Str("user", u.Name).Msg("sending a password reminder")
	c.srv.Loop.WaitChild(cmd, func(state *os.ProcessState) {
		if c.closed {
			return
		}
		if state != nil && state.Success() {
			c.writef("250 OK\n")
		} else {
			zlog.Error().Str("user", u.Name).Msg("reminder subprocess failed")
			c.writef("550 Cannot send a reminder email\n")
		}
		c.resume()
	})
	return false
}
