package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/opencord/client-go/api"
	"github.com/opencord/client-go/logger"
	"github.com/opencord/client-go/registry"
	"github.com/opencord/client-go/session"
)

const usage = `Usage: opencord [flags] <command> [command flags]

Commands:
  add <url>          Register an instance by URL
  remove <url>       Forget an instance
  list               List known instances
  use <url>          Select the active instance
  register           Create an account (-url, -email, -username, -password)
  login              Log in to a local-auth instance (-url, -email, -password)
  login-central      Log in to a central authority (-authority, -email, -password)
  logout-central     Revoke the central auth session
  join               Join an instance with an invite (-url, -code)
  send               Send a message (-url, -channel, -message)
  listen             Connect everything and print incoming events

Flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("opencord", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	logLevel := fs.String("log-level", "warning", "log level (debug, info, warning, error, none)")
	stateDir := fs.String("state-dir", "", "state directory (default: user config dir)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return fmt.Errorf("no command given")
	}

	logger.Init(logger.ParseLevel(*logLevel), os.Stderr)

	dir := *stateDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("failed to resolve config dir: %w", err)
		}
		dir = filepath.Join(base, "opencord")
	}

	store, err := session.NewSQLiteStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		return err
	}

	reg, err := registry.New(registry.Options{
		Store: registry.NewStore(filepath.Join(dir, "instances.json")),
	})
	if err != nil {
		store.Close()
		return err
	}

	m, err := session.New(session.Options{Store: store, Registry: reg})
	if err != nil {
		store.Close()
		return err
	}
	defer m.Close()

	ctx := context.Background()
	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "add":
		return cmdAdd(ctx, m, cmdArgs)
	case "remove":
		return cmdRemove(m, cmdArgs)
	case "list":
		return cmdList(m)
	case "use":
		return cmdUse(m, cmdArgs)
	case "register":
		return cmdRegister(ctx, m, cmdArgs)
	case "login":
		return cmdLogin(ctx, m, cmdArgs)
	case "login-central":
		return cmdLoginCentral(ctx, m, cmdArgs)
	case "logout-central":
		return m.LogoutCentral(ctx)
	case "join":
		return cmdJoin(ctx, m, cmdArgs)
	case "send":
		return cmdSend(ctx, m, cmdArgs)
	case "listen":
		return cmdListen(m)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdAdd(ctx context.Context, m *session.Manager, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: opencord add <url>")
	}
	rec, err := m.AddInstance(ctx, args[0])
	if err != nil {
		return err
	}
	name := rec.URL
	if rec.Info != nil && rec.Info.Name != "" {
		name = rec.Info.Name
	}
	fmt.Printf("added %s (%s auth)\n", name, rec.Source)
	return nil
}

func cmdRemove(m *session.Manager, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: opencord remove <url>")
	}
	m.RemoveInstance(args[0])
	return nil
}

func cmdList(m *session.Manager) error {
	snap := m.Snapshot()
	if len(snap.Instances) == 0 {
		fmt.Println("no instances; use `opencord add <url>`")
		return nil
	}

	urls := make([]string, 0, len(snap.Instances))
	for url := range snap.Instances {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	for _, url := range urls {
		rec := snap.Instances[url]
		marker := " "
		if url == snap.ActiveURL {
			marker = "*"
		}
		name := url
		if rec.Info != nil && rec.Info.Name != "" {
			name = fmt.Sprintf("%s (%s)", rec.Info.Name, url)
		}
		state := "offline"
		if rec.Connected {
			state = "connected"
		}
		fmt.Printf("%s %s [%s auth, %s]\n", marker, name, rec.Source, state)
	}
	if snap.Central.AuthorityURL != "" {
		fmt.Printf("central authority: %s\n", snap.Central.AuthorityURL)
	}
	return nil
}

func cmdUse(m *session.Manager, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: opencord use <url>")
	}
	return m.SetActiveInstance(args[0])
}

func cmdRegister(ctx context.Context, m *session.Manager, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	url := fs.String("url", "", "instance URL")
	email := fs.String("email", "", "account email")
	username := fs.String("username", "", "username")
	displayName := fs.String("display-name", "", "display name (default: username)")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := api.ValidateEmail(*email); err != nil {
		return err
	}
	if err := api.ValidateUsername(*username); err != nil {
		return err
	}
	if err := api.ValidatePassword(*password); err != nil {
		return err
	}

	req := api.RegisterRequest{
		Email:       *email,
		Username:    *username,
		DisplayName: *displayName,
		Password:    *password,
	}
	res, err := m.RegisterLocal(ctx, *url, req)
	if err != nil {
		return err
	}
	fmt.Printf("registered as %s\n", res.User.Username)
	return nil
}

func cmdLogin(ctx context.Context, m *session.Manager, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	url := fs.String("url", "", "instance URL")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	res, err := m.LoginLocal(ctx, *url, api.LoginRequest{Email: *email, Password: *password})
	if err != nil {
		return err
	}
	fmt.Printf("logged in as %s\n", res.User.Username)
	return nil
}

func cmdLoginCentral(ctx context.Context, m *session.Manager, args []string) error {
	fs := flag.NewFlagSet("login-central", flag.ContinueOnError)
	authority := fs.String("authority", "", "central authority URL")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	res, err := m.LoginCentral(ctx, *authority, api.LoginRequest{Email: *email, Password: *password})
	if err != nil {
		return err
	}
	fmt.Printf("logged in to %s as %s\n", *authority, res.User.Username)
	return nil
}

func cmdJoin(ctx context.Context, m *session.Manager, args []string) error {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	url := fs.String("url", "", "instance URL")
	code := fs.String("code", "", "invite code")
	if err := fs.Parse(args); err != nil {
		return err
	}

	member, err := m.JoinInstance(ctx, *url, *code)
	if err != nil {
		return err
	}
	fmt.Printf("joined as %s (%s)\n", member.Username, member.Role)
	return nil
}

func cmdSend(ctx context.Context, m *session.Manager, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	url := fs.String("url", "", "instance URL (default: active instance)")
	channel := fs.String("channel", "", "channel id")
	message := fs.String("message", "", "message content")
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := *url
	if target == "" {
		target = m.ActiveURL()
	}
	if target == "" {
		return fmt.Errorf("no instance selected")
	}

	m.EnsureConnections()
	conn := m.Connection(target)
	if conn == nil {
		return fmt.Errorf("no credentials for %s; log in first", target)
	}

	msg, err := conn.SendMessage(ctx, *channel, api.CreateMessageRequest{Content: *message})
	if err != nil {
		return err
	}
	fmt.Printf("sent %s\n", msg.ID)
	return nil
}

func cmdListen(m *session.Manager) error {
	m.ConnectAll()
	defer m.DisconnectAll()

	conns := m.Registry().Connections()
	if len(conns) == 0 {
		return fmt.Errorf("no connections; add an instance and log in first")
	}

	for url, conn := range conns {
		u := url
		conn.OnEvent(func(evt api.Event) {
			ts := time.Now().Format("15:04:05")
			switch evt.Event {
			case api.EventMessageCreate, api.EventMessageUpdate:
				if msg, err := evt.MessageData(); err == nil {
					author := msg.AuthorID
					if msg.Author != nil {
						author = msg.Author.Username
					}
					fmt.Printf("%s %s #%s <%s> %s\n", ts, u, msg.ChannelID, author, msg.Content)
					return
				}
				fmt.Printf("%s %s %s\n", ts, u, evt.Event)
			default:
				fmt.Printf("%s %s %s\n", ts, u, evt.Event)
			}
		})
	}

	fmt.Printf("listening on %d instance(s), ctrl-c to quit\n", len(conns))
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return nil
}
