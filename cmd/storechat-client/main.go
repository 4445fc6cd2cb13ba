// ABOUTME: Terminal client for storechat conversations, for customers, guests and merchant staff
// ABOUTME: Receives over the websocket push channel and falls back to the HTTP API

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/storechat/internal/delivery"
	"github.com/2389/storechat/internal/wire"
)

// configDir returns ~/.config/storechat, honoring XDG_CONFIG_HOME.
func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(dir, "storechat")
}

// getToken returns the access token from STORECHAT_TOKEN or ~/.config/storechat/token.
func getToken() string {
	if token := os.Getenv("STORECHAT_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(filepath.Join(configDir(), "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// loadGuest restores the guest session saved for storeID, or starts a new one.
func loadGuest(storeID string) *delivery.GuestIdentity {
	data, err := os.ReadFile(guestPath(storeID))
	if err == nil {
		if g, err := delivery.RestoreGuestIdentity(strings.TrimSpace(string(data))); err == nil {
			return g
		}
	}
	g := delivery.NewGuestIdentity()
	saveGuest(storeID, g)
	return g
}

func saveGuest(storeID string, g *delivery.GuestIdentity) {
	path := guestPath(storeID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return
	}
	_ = os.WriteFile(path, []byte(g.ID()), 0600)
}

func guestPath(storeID string) string {
	return filepath.Join(configDir(), "guest-"+storeID)
}

// loadLastConversation returns the conversation the saved guest session last
// opened in storeID, or "".
func loadLastConversation(storeID string) string {
	data, err := os.ReadFile(guestPath(storeID) + ".conversation")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveLastConversation(storeID, id string) {
	path := guestPath(storeID) + ".conversation"
	if id == "" {
		_ = os.Remove(path)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return
	}
	_ = os.WriteFile(path, []byte(id), 0600)
}

type client struct {
	api      *delivery.HTTPClient
	session  *delivery.Session
	guest    *delivery.GuestIdentity
	storeID  string
	merchant bool
	out      io.Writer

	// lastConv is the conversation the current guest session owns.
	lastConv string
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	storeID := flag.String("store", "", "Store ID (required)")
	merchant := flag.Bool("merchant", false, "Act as merchant staff (requires a merchant token)")
	debug := flag.Bool("debug", false, "Log transport details to stderr")
	flag.Parse()

	if *storeID == "" {
		fmt.Fprintln(os.Stderr, "Error: -store is required")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	creds := delivery.Credentials{StoreID: *storeID, Token: getToken()}
	var guest *delivery.GuestIdentity
	if creds.Token == "" {
		if *merchant {
			fmt.Fprintln(os.Stderr, "Error: -merchant needs STORECHAT_TOKEN")
			os.Exit(1)
		}
		guest = loadGuest(*storeID)
		creds.Guest = guest
	}

	base := strings.TrimSuffix(*server, "/")
	api := delivery.NewHTTPClient(base, creds, nil)
	session := delivery.NewSession(delivery.Options{
		Dialer: &delivery.WSDialer{
			URL:   "ws" + strings.TrimPrefix(base, "http") + "/ws",
			Creds: creds,
		},
		Fallback: api,
		Logger:   logger,
	})
	defer session.Close()

	c := &client{api: api, session: session, guest: guest, storeID: *storeID, merchant: *merchant, out: os.Stdout}
	if guest != nil {
		c.lastConv = loadLastConversation(*storeID)
	}

	fmt.Printf("storechat-client connected to %s (store %s)\n", base, *storeID)
	switch {
	case *merchant:
		fmt.Println("Auth: merchant token")
	case creds.Token != "":
		fmt.Println("Auth: customer token (STORECHAT_TOKEN)")
	default:
		fmt.Printf("Auth: guest session %s\n", guest.ID())
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go c.watch(ctx)

	if err := c.run(ctx, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// run reads commands and messages until EOF, /quit or ctx ends.
func (c *client) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	lines := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- io.EOF
	}()

	for {
		c.prompt()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if err := c.handle(ctx, input); err != nil {
			c.printError(err)
		}
	}
}

func (c *client) prompt() {
	id := c.session.ConversationID()
	if id == "" {
		fmt.Fprint(c.out, "> ")
		return
	}
	fmt.Fprintf(c.out, "[%s %s]> ", shortID(id), c.session.State())
}

// handle runs one line of input.
func (c *client) handle(ctx context.Context, input string) error {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		c.printHelp()
		return nil
	case "/start":
		return c.start(ctx, arg)
	case "/open":
		if arg == "" {
			return errors.New("usage: /open <conversation_id>")
		}
		return c.open(ctx, arg)
	case "/list":
		return c.list(ctx, arg)
	case "/history":
		c.printHistory()
		return nil
	case "/read":
		return c.markRead(ctx)
	case "/typing":
		c.session.Typing(ctx, arg != "off")
		return nil
	case "/close":
		return c.transition(ctx, c.api.CloseConversation)
	case "/archive":
		return c.transition(ctx, c.api.ArchiveConversation)
	case "/bot":
		return c.send(ctx, arg, "bot")
	case "/new":
		if c.guest == nil {
			return errors.New("/new is for guest sessions")
		}
		c.session.Leave()
		c.rotateGuest()
		return nil
	}

	if strings.HasPrefix(cmd, "/") {
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return c.send(ctx, input, "")
}

func (c *client) start(ctx context.Context, initial string) error {
	if c.merchant {
		return errors.New("merchants open existing conversations with /open")
	}
	if err := c.retireClosedGuest(ctx); err != nil {
		return err
	}
	conv, created, err := c.api.StartConversation(ctx, initial)
	if err != nil {
		return err
	}
	if created {
		color.Green("started conversation %s", conv.ID)
	} else {
		color.Cyan("resumed conversation %s", conv.ID)
	}
	return c.open(ctx, conv.ID)
}

// retireClosedGuest rotates the guest session once the conversation it owns
// is no longer active. A guest session id never starts a second conversation.
func (c *client) retireClosedGuest(ctx context.Context) error {
	if c.guest == nil || c.lastConv == "" {
		return nil
	}
	detail, err := c.api.GetConversation(ctx, c.lastConv)
	if err != nil {
		var httpErr *delivery.HTTPError
		if errors.As(err, &httpErr) && (httpErr.Status == http.StatusNotFound || httpErr.Status == http.StatusForbidden) {
			c.lastConv = ""
			saveLastConversation(c.storeID, "")
			return nil
		}
		return err
	}
	if detail.Conversation.Status == "active" {
		return nil
	}
	c.session.Leave()
	c.rotateGuest()
	return nil
}

func (c *client) open(ctx context.Context, id string) error {
	if err := c.session.Open(ctx, id); err != nil {
		return err
	}
	if c.guest != nil && id != c.lastConv {
		c.lastConv = id
		saveLastConversation(c.storeID, id)
	}
	c.printHistory()
	return nil
}

func (c *client) list(ctx context.Context, status string) error {
	convs, err := c.api.ListConversations(ctx, status, 0)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Fprintln(c.out, "No conversations.")
		return nil
	}
	for _, conv := range convs {
		who := conv.CustomerID
		if who == "" {
			who = "guest " + shortID(conv.GuestSessionID)
		}
		unread := ""
		if conv.UnreadMerchantMessages > 0 {
			unread = color.YellowString(" (%d unread)", conv.UnreadMerchantMessages)
		}
		fmt.Fprintf(c.out, "  %s  %-8s  %s%s\n", conv.ID, conv.Status, who, unread)
	}
	return nil
}

func (c *client) send(ctx context.Context, content, senderType string) error {
	if c.session.ConversationID() == "" {
		if c.merchant {
			return errors.New("no conversation open (use /open)")
		}
		// The first message starts the conversation.
		return c.start(ctx, content)
	}
	_, err := c.session.Send(ctx, wire.SendRequest{Content: content, SenderType: senderType})
	if errors.Is(err, delivery.ErrUnknownOutcome) {
		color.Yellow("message may not have been delivered; check /history before resending")
		return nil
	}
	return err
}

// markRead marks every unread message from the other side.
func (c *client) markRead(ctx context.Context) error {
	var ids []string
	for _, m := range c.session.Messages() {
		if m.ReadAt == nil && c.fromOtherSide(m) {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(c.out, "Nothing to mark read.")
		return nil
	}
	res, err := c.session.MarkRead(ctx, ids)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "marked %d message(s) read\n", len(res.MessageIDs))
	return nil
}

func (c *client) transition(ctx context.Context, fn func(context.Context, string) (*wire.Conversation, error)) error {
	id := c.session.ConversationID()
	if id == "" {
		return errors.New("no conversation open")
	}
	conv, err := fn(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "conversation %s is now %s\n", shortID(conv.ID), conv.Status)
	return nil
}

func (c *client) fromOtherSide(m wire.Message) bool {
	if c.merchant {
		return m.SenderType == "customer"
	}
	return m.SenderType != "customer"
}

// rotateGuest gives a guest a fresh identity. The old conversation stays with
// the old session id; the next /start opens a new one under the new id.
func (c *client) rotateGuest() {
	id := c.guest.Rotate()
	saveGuest(c.storeID, c.guest)
	c.lastConv = ""
	saveLastConversation(c.storeID, "")
	color.Cyan("new guest session %s", id)
}

// watch prints pushed updates until ctx ends or the session closes.
func (c *client) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-c.session.Updates():
			if !ok {
				return
			}
			c.printUpdate(u)
		}
	}
}

func (c *client) printUpdate(u delivery.Update) {
	switch u.Kind {
	case delivery.UpdateState:
		switch {
		case u.Err != nil:
			color.Yellow("\n[push unavailable: %v; using HTTP]", u.Err)
		case u.State == delivery.Connected:
			color.HiBlack("\n[live]")
		}
	case delivery.UpdateTyping:
		if u.Frame.Typing != nil && u.Frame.Typing.IsTyping {
			color.HiBlack("\n[%s is typing...]", u.Frame.Typing.Role)
		}
	case delivery.UpdateResync:
		color.HiBlack("\n[resynced]")
	case delivery.UpdateEvent:
		f := u.Frame
		switch f.Type {
		case wire.FrameReceiveMessage:
			if f.Message != nil && c.fromOtherSide(*f.Message) {
				fmt.Fprintln(c.out)
				c.printMessage(*f.Message)
			}
		case wire.FrameMessagesRead:
			if f.Read != nil && !c.ownSide(f.Read.ReaderRole) {
				color.HiBlack("\n[%d message(s) seen]", len(f.Read.MessageIDs))
			}
		case wire.FrameConversationClosed:
			color.Yellow("\n[conversation closed]")
			if c.guest != nil {
				fmt.Fprintln(c.out, "Type /start to begin a new conversation under a fresh guest session.")
			}
		case wire.FrameConversationArchived:
			color.Yellow("\n[conversation archived]")
		}
	}
}

// ownSide reports whether role is the side this client acts for.
func (c *client) ownSide(role string) bool {
	return (role == "merchant") == c.merchant
}

func (c *client) printHistory() {
	msgs := c.session.Messages()
	if len(msgs) == 0 {
		fmt.Fprintln(c.out, "No messages yet.")
		return
	}
	for _, m := range msgs {
		c.printMessage(m)
	}
}

func (c *client) printMessage(m wire.Message) {
	ts := color.HiBlackString(m.SentAt.Local().Format("15:04"))
	var who string
	switch m.SenderType {
	case "customer":
		who = color.GreenString("customer")
	case "bot":
		who = color.MagentaString("bot")
	default:
		who = color.CyanString("merchant")
	}
	read := ""
	if m.ReadAt != nil {
		read = color.HiBlackString(" ✓")
	}
	fmt.Fprintf(c.out, "%s %s: %s%s\n", ts, who, m.Content, read)
}

func (c *client) printError(err error) {
	var httpErr *delivery.HTTPError
	var srvErr *delivery.ServerError
	switch {
	case errors.As(err, &httpErr):
		color.Red("[error %d] %s", httpErr.Status, httpErr.Message)
	case errors.As(err, &srvErr):
		color.Red("[error %s] %s", srvErr.Code, srvErr.Message)
	default:
		color.Red("[error] %v", err)
	}
}

func (c *client) printHelp() {
	fmt.Fprintln(c.out, "Commands:")
	if c.merchant {
		fmt.Fprintln(c.out, "  /list [status]   List the store's conversations (active, closed, archived)")
		fmt.Fprintln(c.out, "  /open <id>       Open a conversation")
		fmt.Fprintln(c.out, "  /bot <text>      Post as the store bot")
		fmt.Fprintln(c.out, "  /close           Close the open conversation")
		fmt.Fprintln(c.out, "  /archive         Archive the open (closed) conversation")
	} else {
		fmt.Fprintln(c.out, "  /start [text]    Start or resume your conversation")
		if c.guest != nil {
			fmt.Fprintln(c.out, "  /new             Start over with a fresh guest session")
		}
	}
	fmt.Fprintln(c.out, "  /history         Show the open conversation")
	fmt.Fprintln(c.out, "  /read            Mark unread messages read")
	fmt.Fprintln(c.out, "  /typing [off]    Send a typing indicator")
	fmt.Fprintln(c.out, "  /quit            Exit")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
